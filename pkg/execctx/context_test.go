package execctx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/dokkusync/pkg/command"
)

func baseContext() Context {
	return Context{
		Tool:            "dokku",
		AdminIdentities: []string{"root", "dokku"},
		ServiceAccount:  "dokku",
		Superusers:      []string{"root"},
	}
}

func local(identity string) *Context {
	c := baseContext()
	c.LocalIdentity = identity
	return &c
}

func remote(identity string) *Context {
	c := baseContext()
	c.Remote = true
	c.LocalIdentity = "alice"
	c.RemoteIdentity = identity
	c.TransportPrefix = []string{"ssh", "-p", "22", identity + "@paas.example.com"}
	return &c
}

func TestCase(t *testing.T) {
	tests := []struct {
		name     string
		ctx      *Context
		expected Case
	}{
		{"local root", local("root"), CaseLocalAdmin},
		{"local dokku", local("dokku"), CaseLocalAdmin},
		{"local user", local("alice"), CaseLocalUser},
		{"remote service account", remote("dokku"), CaseRemoteServiceAccount},
		{"remote root", remote("root"), CaseRemoteSuperuser},
		{"remote user", remote("deploy"), CaseRemoteUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ctx.Case())
		})
	}
}

// Every (topology, privileged, tool family) combination either resolves or
// fails with the documented policy error.
func TestResolveTotality(t *testing.T) {
	management := []string{"dokku", "apps:create", "web"}
	ancillary := []string{"cat", "/home/dokku/.ssh/authorized_keys"}

	tests := []struct {
		name       string
		ctx        *Context
		argv       []string
		privileged bool
		expected   []string
		policyErr  error
	}{
		{"local admin plain", local("root"), management, false, management, nil},
		{"local admin privileged", local("root"), ancillary, true, ancillary, nil},
		{"local user plain", local("alice"), management, false, management, nil},
		{"local user privileged", local("alice"), ancillary, true, append([]string{"sudo"}, ancillary...), nil},
		{"service account management", remote("dokku"), management, false, []string{"ssh", "-p", "22", "dokku@paas.example.com", "apps:create web"}, nil},
		{"service account privileged management", remote("dokku"), management, true, nil, ErrPrivilegedManagement},
		{"service account ancillary", remote("dokku"), ancillary, false, nil, ErrNonManagementCommand},
		{"service account privileged ancillary", remote("dokku"), ancillary, true, nil, ErrNonManagementCommand},
		{"superuser plain", remote("root"), management, false, []string{"ssh", "-p", "22", "root@paas.example.com", "dokku apps:create web"}, nil},
		{"superuser privileged", remote("root"), ancillary, true, []string{"ssh", "-p", "22", "root@paas.example.com", "cat /home/dokku/.ssh/authorized_keys"}, nil},
		{"remote user plain", remote("deploy"), management, false, []string{"ssh", "-p", "22", "deploy@paas.example.com", "dokku apps:create web"}, nil},
		{"remote user privileged", remote("deploy"), ancillary, true, []string{"ssh", "-p", "22", "deploy@paas.example.com", "sudo cat /home/dokku/.ssh/authorized_keys"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []command.Option
			if tt.privileged {
				opts = append(opts, command.Privileged())
			}
			inv, err := tt.ctx.Resolve(command.New(tt.argv, opts...))

			if tt.policyErr != nil {
				var perr *PolicyError
				require.ErrorAs(t, err, &perr)
				assert.ErrorIs(t, err, tt.policyErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, inv.Argv())
		})
	}
}

func TestResolveServiceAccountPrivilegedExample(t *testing.T) {
	ctx := remote("dokku")
	_, err := ctx.Resolve(command.New([]string{"dokku", "fam:verb", "x"}, command.Privileged()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrivilegedManagement))
}

func TestResolveEmptyCommand(t *testing.T) {
	_, err := local("root").Resolve(command.New(nil))
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestNativeTransportKeepsArgs(t *testing.T) {
	ctx := remote("deploy")
	ctx.TransportPrefix = nil

	inv, err := ctx.Resolve(command.New([]string{"dokku", "config:set", "web", "A=b c"}))
	require.NoError(t, err)
	assert.True(t, inv.Remote)
	assert.Equal(t, []string{"dokku", "config:set", "web", "A=b c"}, inv.Argv())
	assert.Equal(t, "dokku config:set web 'A=b c'", inv.RemoteLine())
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name          string
		ctx           *Context
		nonManagement bool
		escalation    bool
	}{
		{"local admin", local("root"), true, false},
		{"local user", local("alice"), true, true},
		{"service account", remote("dokku"), false, false},
		{"superuser", remote("root"), true, false},
		{"remote user", remote("deploy"), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.nonManagement, tt.ctx.MayRunNonManagementCommands())
			assert.Equal(t, tt.escalation, tt.ctx.RequiresPrivilegeEscalation())
		})
	}
}

func TestInvocationRenderWithStdin(t *testing.T) {
	inv, err := remote("dokku").Resolve(command.New([]string{"dokku", "ssh-keys:add", "admin"}, command.WithStdin("k")))
	require.NoError(t, err)
	assert.Equal(t, "echo aw== | base64 -d | ssh -p 22 dokku@paas.example.com 'ssh-keys:add admin'", inv.Render())
}
