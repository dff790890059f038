package toolbox

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

func base64Encode(_ context.Context, args map[string]any) (map[string]any, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return nil, err
	}
	return map[string]any{"encoded": base64.StdEncoding.EncodeToString([]byte(text))}, nil
}

func sha256Hash(_ context.Context, args map[string]any) (map[string]any, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(text))
	return map[string]any{"hash": hex.EncodeToString(sum[:])}, nil
}
