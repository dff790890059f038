// Package toolbox provides the stateless utility tools served by mcp-toolbox: YAML/JSON
// conversion, base64 encoding, SHA-256 hashing, TCP port probing and URL validation.
package toolbox

import (
	"fmt"

	"github.com/MegaGrindStone/mcp-toolbox"
)

// Instructions is returned to clients on initialize.
const Instructions = "Utility tools for format conversion (yaml_to_json, json_to_yaml), text encoding " +
	"(base64_encode, sha256_hash) and network checks (is_port_open, validate_url). " +
	"Every tool returns a JSON object."

type tool struct {
	desc    mcp.ToolDescriptor
	handler mcp.ToolHandler
}

var tools = []tool{
	{
		desc: mcp.ToolDescriptor{
			Name: "yaml_to_json",
			Description: "Convert YAML string to JSON format. Useful for configuration file transformations " +
				"and data interchange.",
			InputSchema: mcp.InputSchema{Properties: []mcp.Property{
				{Name: "yaml", Type: mcp.PropertyTypeString, Description: "YAML string to convert to JSON", Required: true},
			}},
		},
		handler: yamlToJSON,
	},
	{
		desc: mcp.ToolDescriptor{
			Name: "json_to_yaml",
			Description: "Convert JSON string to YAML format. YAML is more human-readable and commonly used " +
				"in configuration files.",
			InputSchema: mcp.InputSchema{Properties: []mcp.Property{
				{Name: "json", Type: mcp.PropertyTypeString, Description: "JSON string to convert to YAML", Required: true},
			}},
		},
		handler: jsonToYAML,
	},
	{
		desc: mcp.ToolDescriptor{
			Name:        "base64_encode",
			Description: "Encode text string to base64 format. Used for representing binary data in ASCII format.",
			InputSchema: mcp.InputSchema{Properties: []mcp.Property{
				{Name: "text", Type: mcp.PropertyTypeString, Description: "Plain text to encode", Required: true},
			}},
		},
		handler: base64Encode,
	},
	{
		desc: mcp.ToolDescriptor{
			Name: "sha256_hash",
			Description: "Compute SHA256 cryptographic hash of text. Produces a 64-character hexadecimal " +
				"hash string.",
			InputSchema: mcp.InputSchema{Properties: []mcp.Property{
				{Name: "text", Type: mcp.PropertyTypeString, Description: "Text to hash", Required: true},
			}},
		},
		handler: sha256Hash,
	},
	{
		desc: mcp.ToolDescriptor{
			Name: "is_port_open",
			Description: "Check if a TCP port is open on a host. Useful for service availability and network " +
				"diagnostics. Times out after 3 seconds.",
			InputSchema: mcp.InputSchema{Properties: []mcp.Property{
				{Name: "host", Type: mcp.PropertyTypeString, Description: "Hostname or IP address to check", Required: true},
				{
					Name:        "port",
					Type:        mcp.PropertyTypeInteger,
					Description: "Port number (1-65535)",
					Required:    true,
					Minimum:     mcp.Bound(1),
					Maximum:     mcp.Bound(65535),
				},
			}},
		},
		handler: isPortOpen,
	},
	{
		desc: mcp.ToolDescriptor{
			Name: "validate_url",
			Description: "Validate URL format and structure. Checks for protocol, domain, and invalid " +
				"characters.",
			InputSchema: mcp.InputSchema{Properties: []mcp.Property{
				{Name: "url", Type: mcp.PropertyTypeString, Description: "URL to validate", Required: true},
			}},
		},
		handler: validateURL,
	},
}

// Register adds every toolbox tool to reg, in a fixed order.
func Register(reg *mcp.Registry) error {
	for _, t := range tools {
		if err := reg.Register(t.desc, t.handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.desc.Name, err)
		}
	}
	return nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return v, nil
}
