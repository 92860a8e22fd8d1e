package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/types"
)

func validTemplate() *types.WorkerTemplate {
	return &types.WorkerTemplate{
		Name:  "builder",
		Image: "alpine:3.20",
		Resources: types.ResourceRequests{
			CPU:    "500m",
			Memory: "256Mi",
		},
	}
}

func problemsContaining(t *testing.T, problems []string, substr string) {
	t.Helper()
	for _, p := range problems {
		if strings.Contains(p, substr) {
			return
		}
	}
	t.Fatalf("no problem mentions %q in %v", substr, problems)
}

func TestValidateTemplateValid(t *testing.T) {
	problems := ValidateTemplate(validTemplate(), Capabilities{})
	assert.Empty(t, problems)
}

func TestValidateTemplateNil(t *testing.T) {
	problems := ValidateTemplate(nil, Capabilities{})
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "required")
}

func TestValidateTemplateImage(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Image = ""
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "image is required")

	tmpl.Image = "UPPER CASE BAD!!"
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "not a valid reference")
}

func TestValidateTemplateName(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Name = "Not_A_Label"
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "DNS-1123")
}

func TestValidateTemplateResources(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Resources.CPU = "abc"
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "cpu")

	tmpl = validTemplate()
	tmpl.Resources.Memory = "0"
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "memory")

	tmpl = validTemplate()
	tmpl.Resources.Storage = "-1Gi"
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "storage")
}

func TestValidateTemplateEnvNames(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Env = map[string]string{"1BAD": "x"}
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "environment variable")
}

func TestValidateTemplateVolumeLimits(t *testing.T) {
	tmpl := validTemplate()
	for i := 0; i < DefaultMaxVolumes+1; i++ {
		tmpl.Volumes = append(tmpl.Volumes, &types.VolumeMount{
			Name:      "vol",
			HostPath:  "/data",
			MountPath: "/mnt",
		})
	}
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "exceed")

	// Provider-specific limit wins.
	problems := ValidateTemplate(tmpl, Capabilities{MaxVolumes: DefaultMaxVolumes + 2})
	assert.Empty(t, problems)
}

func TestValidateTemplateSensitiveHostPaths(t *testing.T) {
	for _, hostPath := range []string{"/var/run/docker.sock", "/proc", "/sys", "/proc/self", "/sys/fs/cgroup"} {
		tmpl := validTemplate()
		tmpl.Volumes = []*types.VolumeMount{{
			Name:      "bad",
			HostPath:  hostPath,
			MountPath: "/mnt",
		}}
		problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "sensitive")
	}

	// Sibling prefixes are fine.
	tmpl := validTemplate()
	tmpl.Volumes = []*types.VolumeMount{{
		Name:      "ok",
		HostPath:  "/sysdata",
		MountPath: "/mnt",
	}}
	assert.Empty(t, ValidateTemplate(tmpl, Capabilities{}))
}

func TestValidateTemplatePorts(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Ports = []*types.PortSpec{{Name: "low", ContainerPort: 80}}
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "1024-65535")

	tmpl = validTemplate()
	tmpl.Ports = []*types.PortSpec{{Name: "bad-proto", ContainerPort: 8080, Protocol: "ICMP"}}
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "TCP, UDP, or SCTP")

	tmpl = validTemplate()
	tmpl.Ports = []*types.PortSpec{
		{Name: "http", ContainerPort: 8080, Protocol: "TCP"},
		{Name: "dns", ContainerPort: 5353, Protocol: "UDP"},
	}
	assert.Empty(t, ValidateTemplate(tmpl, Capabilities{}))
}

func TestValidateTemplateSecurity(t *testing.T) {
	tmpl := validTemplate()
	tmpl.Security = &types.SecurityContext{Privileged: true}
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "privileged")

	tmpl = validTemplate()
	tmpl.Security = &types.SecurityContext{AllowPrivilegeEscalation: true}
	problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "escalation")

	for _, capability := range []string{"SYS_ADMIN", "CAP_SYS_ADMIN", "sys_admin", "NET_ADMIN", "SYS_PTRACE", "DAC_OVERRIDE"} {
		tmpl = validTemplate()
		tmpl.Security = &types.SecurityContext{AddCapabilities: []string{capability}}
		problemsContaining(t, ValidateTemplate(tmpl, Capabilities{}), "not allowed")
	}

	tmpl = validTemplate()
	tmpl.Security = &types.SecurityContext{AddCapabilities: []string{"NET_BIND_SERVICE"}}
	assert.Empty(t, ValidateTemplate(tmpl, Capabilities{}))
}

func TestFailureClassOf(t *testing.T) {
	assert.Equal(t, FailureNotFound, FailureClassOf(ErrWorkerNotFound))
	assert.Equal(t, FailurePermission, FailureClassOf(ErrPermissionDenied))
	assert.Equal(t, FailureConflict, FailureClassOf(ErrAlreadyExists))
	assert.Equal(t, FailureRetryable, FailureClassOf(assert.AnError))
}
