package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ResolveSecret turns "env:NAME" into the value of NAME; anything else is
// taken literally.
func ResolveSecret(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return v, nil
	}
	if ref == "" {
		return "", errors.New("empty secret ref")
	}
	return ref, nil
}
