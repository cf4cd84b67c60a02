package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/mailstack/pkg/engine"
)

// VersionFunc extracts a service version from rendered compose content.
type VersionFunc func(compose []byte) (string, error)

// VersionFromComment reads a top-level key from a compose file in which the
// key is commented out, such as "# version: 2025-09".
func VersionFromComment(key string) VersionFunc {
	return func(compose []byte) (string, error) {
		lines := strings.Split(string(compose), "\n")
		for i, line := range lines {
			if rest, ok := strings.CutPrefix(line, "#"); ok {
				lines[i] = strings.TrimPrefix(rest, " ")
			}
		}

		var parsed map[string]yaml.Node
		if err := yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &parsed); err != nil {
			return "", engine.NewTemplateError("failed to parse compose file", err)
		}

		v, ok := parsed[key]
		if !ok || v.Kind != yaml.ScalarNode || strings.TrimSpace(v.Value) == "" {
			return "", engine.NewTemplateError(fmt.Sprintf("compose file has no %q value", key), nil)
		}
		return strings.TrimSpace(v.Value), nil
	}
}

type composeFile struct {
	Services map[string]struct {
		Image string `yaml:"image"`
	} `yaml:"services"`
}

// VersionFromImage reads the image tag of a compose service.
func VersionFromImage(service string) VersionFunc {
	return func(compose []byte) (string, error) {
		var parsed composeFile
		if err := yaml.Unmarshal(compose, &parsed); err != nil {
			return "", engine.NewTemplateError("failed to parse compose file", err)
		}

		svc, ok := parsed.Services[service]
		if !ok {
			return "", engine.NewTemplateError(fmt.Sprintf("compose file has no service %q", service), nil)
		}
		_, tag, found := strings.Cut(svc.Image, ":")
		if !found || tag == "" {
			return "", engine.NewTemplateError(
				fmt.Sprintf("image %q of service %q has no tag", svc.Image, service), nil)
		}
		return tag, nil
	}
}
