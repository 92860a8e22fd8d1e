package provider

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/distribution/reference"
	"github.com/drovekit/drover/pkg/types"
)

// DefaultMaxVolumes caps template volume mounts when a provider does
// not set its own limit.
const DefaultMaxVolumes = 8

var (
	dns1123Label = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	envVarName   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// IsDNS1123Label reports whether s is a valid DNS-1123 label. Pool and
// template names share this rule.
func IsDNS1123Label(s string) bool {
	return dns1123Label.MatchString(s)
}

// dangerousCapabilities are linux capabilities no template may request.
var dangerousCapabilities = map[string]bool{
	"SYS_ADMIN":       true,
	"NET_ADMIN":       true,
	"SYS_TIME":        true,
	"SYS_MODULE":      true,
	"SYS_RAWIO":       true,
	"SYS_PTRACE":      true,
	"DAC_READ_SEARCH": true,
	"DAC_OVERRIDE":    true,
}

// sensitiveHostPaths are host locations no template may mount.
var sensitiveHostPaths = []string{
	"/var/run/docker.sock",
	"/proc",
	"/sys",
}

// ValidateTemplate checks a worker template against the shape every
// provider shares. It returns the list of problems; an empty list means
// the template is valid. Provider-specific limits are applied through
// caps.
func ValidateTemplate(tmpl *types.WorkerTemplate, caps Capabilities) []string {
	if tmpl == nil {
		return []string{"template is required"}
	}

	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if tmpl.Name == "" {
		add("template name is required")
	} else if !dns1123Label.MatchString(tmpl.Name) {
		add("template name %q is not a valid DNS-1123 label", tmpl.Name)
	}

	if tmpl.Image == "" {
		add("image is required")
	} else if _, err := reference.ParseNormalizedNamed(tmpl.Image); err != nil {
		add("image %q is not a valid reference: %v", tmpl.Image, err)
	}

	if tmpl.Resources.CPU == "" {
		add("cpu request is required")
	} else if v, err := ParseCPU(tmpl.Resources.CPU); err != nil {
		add("cpu: %v", err)
	} else if v <= 0 {
		add("cpu request %q must be positive", tmpl.Resources.CPU)
	}

	if tmpl.Resources.Memory == "" {
		add("memory request is required")
	} else if v, err := ParseMemory(tmpl.Resources.Memory); err != nil {
		add("memory: %v", err)
	} else if v <= 0 {
		add("memory request %q must be positive", tmpl.Resources.Memory)
	}

	if tmpl.Resources.Storage != "" {
		if v, err := ParseMemory(tmpl.Resources.Storage); err != nil {
			add("storage: %v", err)
		} else if v <= 0 {
			add("storage request %q must be positive", tmpl.Resources.Storage)
		}
	}

	for name := range tmpl.Env {
		if !envVarName.MatchString(name) {
			add("environment variable name %q is not a valid identifier", name)
		}
	}

	for key := range tmpl.Labels {
		if !dns1123Label.MatchString(key) {
			add("label key %q is not a valid DNS-1123 label", key)
		}
	}
	for key := range tmpl.NodeSelector {
		if !dns1123Label.MatchString(key) {
			add("node selector key %q is not a valid DNS-1123 label", key)
		}
	}

	maxVolumes := caps.MaxVolumes
	if maxVolumes <= 0 {
		maxVolumes = DefaultMaxVolumes
	}
	if len(tmpl.Volumes) > maxVolumes {
		add("%d volumes exceed the provider limit of %d", len(tmpl.Volumes), maxVolumes)
	}
	for _, v := range tmpl.Volumes {
		if v.Name == "" {
			add("volume name is required")
		}
		if !strings.HasPrefix(v.MountPath, "/") {
			add("volume %q mount path %q must be absolute", v.Name, v.MountPath)
		}
		if v.HostPath != "" {
			if !strings.HasPrefix(v.HostPath, "/") {
				add("volume %q host path %q must be absolute", v.Name, v.HostPath)
			} else if blocked, root := sensitiveHostPath(v.HostPath); blocked {
				add("volume %q host path %q mounts sensitive location %s", v.Name, v.HostPath, root)
			}
		}
	}

	for _, p := range tmpl.Ports {
		if p.ContainerPort < 1024 || p.ContainerPort > 65535 {
			add("port %d is outside the allowed range 1024-65535", p.ContainerPort)
		}
		switch p.Protocol {
		case "", "TCP", "UDP", "SCTP":
		default:
			add("port protocol %q must be TCP, UDP, or SCTP", p.Protocol)
		}
	}

	if sec := tmpl.Security; sec != nil {
		if sec.Privileged {
			add("privileged mode is not allowed")
		}
		if sec.AllowPrivilegeEscalation {
			add("privilege escalation is not allowed")
		}
		for _, c := range sec.AddCapabilities {
			normalized := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(c), "CAP_"))
			if dangerousCapabilities[normalized] {
				add("capability %s is not allowed", normalized)
			}
		}
	}

	return problems
}

// sensitiveHostPath reports whether p is, or lives under, a blocked
// host location.
func sensitiveHostPath(p string) (bool, string) {
	clean := path.Clean(p)
	for _, root := range sensitiveHostPaths {
		if clean == root || strings.HasPrefix(clean, root+"/") {
			return true, root
		}
	}
	return false, ""
}
