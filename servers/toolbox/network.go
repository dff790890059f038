package toolbox

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var portDialTimeout = 3 * time.Second

func isPortOpen(ctx context.Context, args map[string]any) (map[string]any, error) {
	host, err := stringArg(args, "host")
	if err != nil {
		return nil, err
	}
	// Schema validation already guarantees an integral number.
	port, ok := args["port"].(float64)
	if !ok {
		return nil, fmt.Errorf("argument %q must be an integer", "port")
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %v", port)
	}

	dialer := net.Dialer{Timeout: portDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return map[string]any{"open": false}, nil
	}
	_ = conn.Close()
	return map[string]any{"open": true}, nil
}

func validateURL(_ context.Context, args map[string]any) (map[string]any, error) {
	raw, err := stringArg(args, "url")
	if err != nil {
		return nil, err
	}
	return urlVerdict(raw), nil
}

func urlVerdict(raw string) map[string]any {
	invalid := func(reason string) map[string]any {
		return map[string]any{"valid": false, "reason": reason}
	}

	if strings.ContainsAny(raw, " \t\n") {
		return invalid("URL contains whitespace characters")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("URL parsing error: " + err.Error())
	}
	if u.Scheme == "" {
		return invalid("Missing protocol (http:// or https://)")
	}
	if u.Host == "" {
		return invalid("Missing domain name")
	}
	return map[string]any{"valid": true}
}
