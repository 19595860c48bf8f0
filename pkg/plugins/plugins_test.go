package plugins

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/execctx"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/runner"
	"github.com/openfroyo/dokkusync/pkg/runner/runnertest"
)

var opts = engine.CommandOptions{Tool: "dokku"}

func localAdmin() *execctx.Context {
	return &execctx.Context{
		LocalIdentity:   "root",
		Tool:            "dokku",
		AdminIdentities: []string{"root", "dokku"},
		ServiceAccount:  "dokku",
		Superusers:      []string{"root"},
	}
}

func serviceAccount() *execctx.Context {
	c := localAdmin()
	c.Remote = true
	c.RemoteIdentity = "dokku"
	c.TransportPrefix = []string{"ssh", "dokku@paas"}
	return c
}

func newSession(t *testing.T, ectx *execctx.Context, fake *runnertest.Fake) *host.Session {
	t.Helper()
	s, err := host.NewSession(host.Options{Context: ectx, Runner: fake})
	require.NoError(t, err)
	return s
}

func lines(seq iter.Seq[command.Command]) []string {
	var out []string
	for cmd := range seq {
		out = append(out, strings.Join(cmd.Argv(), " "))
	}
	return out
}

func runnerResult(exitCode int, stdout, stderr string) runner.Result {
	return runner.Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

func ptr[T any](v T) *T { return &v }

func TestDefaultRegistryOrder(t *testing.T) {
	registry, err := Default(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ssh_keys", "apps", "config", "domains", "network", "proxy", "ports", "storage", "ps",
	}, registry.Names())
}

func TestShapesAreDistinct(t *testing.T) {
	registry, err := Default(nil)
	require.NoError(t, err)
	for _, family := range registry.Families() {
		seen := map[string]bool{}
		for _, shape := range family.Shapes() {
			key := strings.Join(shape.Fields, ",")
			assert.False(t, seen[key], "%s has two shapes with fields %s", family.Name(), key)
			seen[key] = true
		}
	}
}

func TestCommandsStopWhenConsumerStops(t *testing.T) {
	objects := []engine.Object{
		&AppRecord{Name: "web", Locked: true},
		&AppRecord{Name: "api"},
	}
	var got []string
	for cmd := range (Apps{}).Commands(objects, opts) {
		got = append(got, strings.Join(cmd.Argv(), " "))
		break
	}
	assert.Equal(t, []string{"dokku apps:create web"}, got)
}

func TestApps(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku apps:report", `=====> web app information
       App created at:                1700000000
       App deploy source:             git
       App deploy source metadata:    main
       App dir:                       /home/dokku/web
       App locked:                    true
=====> api app information
       App created at:                1700000001
       App deploy source:
       App deploy source metadata:
       App dir:                       /home/dokku/api
       App locked:                    false
`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Apps{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{
		&AppRecord{Name: "web", Locked: true},
		&AppRecord{Name: "api", Locked: false},
	}, objects)

	filtered, err := Apps{}.Export(context.Background(), s, engine.Filter{Apps: []string{"api"}})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	assert.Equal(t, []string{
		"dokku apps:create web",
		"dokku apps:lock web",
		"dokku apps:create api",
	}, lines(Apps{}.Commands(objects, opts)))
}

func TestAppsEmptyPlatform(t *testing.T) {
	fake := runnertest.New().On("dokku apps:report", runnerResult(1, "", " !     You haven't deployed any applications yet\n"))
	s := newSession(t, localAdmin(), fake)

	objects, err := Apps{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestConfig(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku apps:list", "=====> My Apps\nweb\n").
		OnStdout("dokku config:export --format json --global", `{"CURL_TIMEOUT":"60","DOKKU_RM_CONTAINER":"1"}`).
		OnStdout("dokku config:export --format json web", `{"SECRET":"a b'c","GIT_REV":"abc","DATABASE_URL":"postgres://db"}`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Config{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{
		&ConfigEntry{AppName: engine.Global(), Name: "CURL_TIMEOUT", Value: "60"},
		&ConfigEntry{AppName: engine.App("web"), Name: "DATABASE_URL", Value: "postgres://db"},
		&ConfigEntry{AppName: engine.App("web"), Name: "SECRET", Value: "a b'c"},
	}, objects)

	assert.Equal(t, []string{
		"dokku config:set --no-restart --encoded --global CURL_TIMEOUT=NjA=",
		"dokku config:set --no-restart --encoded web DATABASE_URL=cG9zdGdyZXM6Ly9kYg== SECRET=YSBiJ2M=",
	}, lines(Config{}.Commands(objects, opts)))
}

func TestConfigFilterSkipsGlobal(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku apps:list", "=====> My Apps\nweb\napi\n").
		OnStdout("dokku config:export --format json api", `{"A":"1"}`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Config{}.Export(context.Background(), s, engine.Filter{Apps: []string{"api"}})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{&ConfigEntry{AppName: engine.App("api"), Name: "A", Value: "1"}}, objects)
}

func TestConfigRejectsNonJSON(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku apps:list", "").
		OnStdout("dokku config:export --format json --global", "export A='1'\n")
	s := newSession(t, localAdmin(), fake)

	_, err := Config{}.Export(context.Background(), s, engine.Filter{})
	require.Error(t, err)
	assert.Equal(t, engine.ErrorClassFormat, engine.Classify(err))
}

func TestDomains(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku domains:report", `=====> web domains information
       Domains app enabled:           true
       Domains app vhosts:            web.example.com www.example.com
       Domains global enabled:        true
       Domains global vhosts:         example.com
=====> api domains information
       Domains app enabled:           false
       Domains app vhosts:
       Domains global enabled:        true
       Domains global vhosts:         example.com
`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Domains{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, &DomainSettings{
		AppName:      engine.App("web"),
		Enabled:      ptr(true),
		Vhosts:       []string{"web.example.com", "www.example.com"},
		GlobalVhosts: []string{"example.com"},
	}, objects[0])

	assert.Equal(t, []string{
		"dokku domains:set-global example.com",
		"dokku domains:set web web.example.com www.example.com",
		"dokku domains:enable web",
		"dokku domains:disable api",
	}, lines(Domains{}.Commands(objects, opts)))

	skip := engine.CommandOptions{Tool: "dokku", SkipSystem: true}
	assert.NotContains(t, lines(Domains{}.Commands(objects, skip)), "dokku domains:set-global example.com")
}

func TestNetwork(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku network:list", "=====> Networks\nbridge\nhost\nnone\nbackend\n").
		OnStdout("dokku network:report", `=====> web network information
       Network attach post create:
       Network attach post deploy:    backend
       Network bind all interfaces:   false
       Network computed attach post create:
       Network computed attach post deploy: backend
       Network computed bind all interfaces: false
       Network computed initial network:
       Network computed tld:
       Network global attach post create:
       Network global attach post deploy:
       Network global bind all interfaces: false
       Network global initial network:
       Network global tld:            svc.cluster.local
       Network initial network:
       Network static web listener:
       Network tld:
       Network web listeners:         172.17.0.4:5000
`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Network{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, &NetworkDefinition{Name: "backend"}, objects[0])
	assert.Equal(t, &NetworkSettings{
		AppName:                 engine.App("web"),
		AttachPostDeploy:        ptr("backend"),
		BindAllInterfaces:       ptr(false),
		GlobalBindAllInterfaces: ptr(false),
		GlobalTLD:               ptr("svc.cluster.local"),
	}, objects[1])

	got := lines(Network{}.Commands(objects, opts))
	assert.Equal(t, []string{
		"dokku network:create backend",
		"dokku network:set --global bind-all-interfaces false",
		"dokku network:set --global tld svc.cluster.local",
		"dokku network:set web attach-post-deploy backend",
		"dokku network:set web bind-all-interfaces false",
	}, got)

	for cmd := range (Network{}).Commands(objects[:1], opts) {
		assert.False(t, cmd.Check(), "network creation must tolerate existing networks")
	}
}

func TestNetworkFilterSkipsDefinitions(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku network:report", "=====> web network information\n       Network tld:\n")
	s := newSession(t, localAdmin(), fake)

	objects, err := Network{}.Export(context.Background(), s, engine.Filter{Apps: []string{"web"}})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.IsType(t, &NetworkSettings{}, objects[0])
	assert.Equal(t, []string{"dokku network:report"}, fake.Lines())
}

func TestProxy(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku proxy:report", `=====> web proxy information
       Proxy computed type:           nginx
       Proxy enabled:                 true
       Proxy global type:             caddy
       Proxy type:                    nginx
=====> api proxy information
       Proxy computed type:           caddy
       Proxy enabled:                 false
       Proxy global type:             caddy
       Proxy type:
`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Proxy{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{
		&ProxySettings{AppName: engine.App("web"), Enabled: ptr(true), Type: ptr("nginx"), GlobalType: ptr("caddy")},
		&ProxySettings{AppName: engine.App("api"), Enabled: ptr(false), GlobalType: ptr("caddy")},
	}, objects)

	assert.Equal(t, []string{
		"dokku proxy:set --global caddy",
		"dokku proxy:set web nginx",
		"dokku proxy:enable web",
		"dokku proxy:disable api",
	}, lines(Proxy{}.Commands(objects, opts)))
}

func TestPorts(t *testing.T) {
	fake := runnertest.New().OnStdout("dokku ports:report", `=====> web ports information
       Ports map:                     http:80:5000 https:443:5000
       Ports map detected:            http:80:5000
=====> api ports information
       Ports map:
       Ports map detected:            http:80:5000
`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Ports{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{
		&PortMapping{AppName: engine.App("web"), Scheme: "http", HostPort: 80, ContainerPort: 5000},
		&PortMapping{AppName: engine.App("web"), Scheme: "https", HostPort: 443, ContainerPort: 5000},
	}, objects)

	assert.Equal(t, []string{
		"dokku ports:set web http:80:5000 https:443:5000",
	}, lines(Ports{}.Commands(objects, opts)))
}

func TestParsePortMapping(t *testing.T) {
	_, err := ParsePortMapping("web", "http:80")
	assert.Error(t, err)
	_, err = ParsePortMapping("web", "http:eighty:5000")
	assert.Error(t, err)

	m, err := ParsePortMapping("web", "tcp:2222:22")
	require.NoError(t, err)
	assert.Equal(t, "tcp:2222:22", m.String())
}

const storageReportText = `=====> web storage information
       Storage build mounts:
       Storage deploy mounts:         -v /var/lib/dokku/data/storage/web:/app/storage
       Storage run mounts:            -v /var/lib/dokku/data/storage/web:/app/storage
`

func TestStorage(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku storage:report", storageReportText).
		OnStdout("stat -c %u:%g /var/lib/dokku/data/storage/web", "32767:32767\n")
	s := newSession(t, localAdmin(), fake)

	objects, err := Storage{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{&StorageMount{
		AppName:       engine.App("web"),
		HostPath:      "/var/lib/dokku/data/storage/web",
		ContainerPath: "/app/storage",
		UserID:        ptr(32767),
		GroupID:       ptr(32767),
	}}, objects)

	var privileged []bool
	var got []string
	for cmd := range (Storage{}).Commands(objects, opts) {
		got = append(got, strings.Join(cmd.Argv(), " "))
		privileged = append(privileged, cmd.IsPrivileged())
	}
	assert.Equal(t, []string{
		"mkdir -p /var/lib/dokku/data/storage/web",
		"chown 32767:32767 /var/lib/dokku/data/storage/web",
		"dokku storage:mount web /var/lib/dokku/data/storage/web:/app/storage",
	}, got)
	assert.Equal(t, []bool{true, true, false}, privileged)
}

func TestStorageWithoutOwnerAccess(t *testing.T) {
	fake := runnertest.New().OnStdout("storage:report", storageReportText)
	s := newSession(t, serviceAccount(), fake)

	objects, err := Storage{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	mount := objects[0].(*StorageMount)
	assert.Nil(t, mount.UserID)
	assert.Nil(t, mount.GroupID)

	assert.Equal(t, []string{
		"dokku storage:mount web /var/lib/dokku/data/storage/web:/app/storage",
	}, lines(Storage{}.Commands(objects, opts)))
}

func TestParseMounts(t *testing.T) {
	_, err := ParseMounts("web", []string{"/a:/b"})
	assert.Error(t, err)
	_, err = ParseMounts("web", []string{"-v"})
	assert.Error(t, err)
	_, err = ParseMounts("web", []string{"-v", "/only-host"})
	assert.Error(t, err)

	mounts, err := ParseMounts("web", []string{"-v", "/a:/b", "-v", "/c:/d:ro"})
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, "/d:ro", mounts[1].ContainerPath)
}

func TestPs(t *testing.T) {
	fake := runnertest.New().
		OnStdout("dokku ps:report", `=====> web ps information
       Deployed:                      true
       Processes:                     3
       Ps can scale:                  true
       Ps global restart policy:      on-failure:10
       Ps restart policy:             always
       Running:                       true
       Status web 1:                  running (CID: 1a2b3c)
`).
		OnStdout("dokku ps:scale web", `-----> Scaling for web
proctype: qty
--------: ---
web:  2
worker: 1
`)
	s := newSession(t, localAdmin(), fake)

	objects, err := Ps{}.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{
		&ProcessPolicy{AppName: engine.App("web"), RestartPolicy: ptr("always"), GlobalRestartPolicy: ptr("on-failure:10")},
		&ProcessScale{AppName: engine.App("web"), ProcessType: "web", Quantity: 2},
		&ProcessScale{AppName: engine.App("web"), ProcessType: "worker", Quantity: 1},
	}, objects)

	assert.Equal(t, []string{
		"dokku ps:set --global restart-policy on-failure:10",
		"dokku ps:set web restart-policy always",
		"dokku ps:scale --skip-deploy web web=2 worker=1",
	}, lines(Ps{}.Commands(objects, opts)))
}

func TestParseScaleRejectsGarbage(t *testing.T) {
	_, err := ParseScale("web", "web: many\n")
	assert.Error(t, err)
	_, err = ParseScale("web", "nonsense\n")
	assert.Error(t, err)
}

func newAuthorizedKey(t *testing.T) (line, fingerprint string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))), ssh.FingerprintSHA256(key)
}

func TestSSHKeys(t *testing.T) {
	adminKey, adminFP := newAuthorizedKey(t)
	_, strayFP := newAuthorizedKey(t)

	authorized := `command="FINGERPRINT=` + adminFP + ` NAME=\"admin\" ` + "`cat /home/dokku/.sshcommand`" + ` $SSH_ORIGINAL_COMMAND",no-agent-forwarding,no-user-rc,no-X11-forwarding,no-port-forwarding ` + adminKey + "\n"
	fake := runnertest.New().
		OnStdout("dokku ssh-keys:list", adminFP+` NAME="admin" SSHCOMMAND_ALLOWED_KEYS="none"`+"\n"+strayFP+` NAME="stray" SSHCOMMAND_ALLOWED_KEYS="none"`+"\n").
		OnStdout("cat "+AuthorizedKeysPath, authorized)
	s := newSession(t, localAdmin(), fake)

	family := &SSHKeys{}
	objects, err := family.Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []engine.Object{&SSHKey{Name: "admin", PublicKey: adminKey}}, objects)

	var cmds []command.Command
	for cmd := range family.Commands(objects, opts) {
		cmds = append(cmds, cmd)
	}
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"dokku", "ssh-keys:add", "admin"}, cmds[0].Argv())
	stdin, ok := cmds[0].Stdin()
	require.True(t, ok)
	assert.Equal(t, adminKey+"\n", stdin)
}

func TestSSHKeysSkippedForAppFilter(t *testing.T) {
	fake := runnertest.New()
	s := newSession(t, localAdmin(), fake)

	objects, err := (&SSHKeys{}).Export(context.Background(), s, engine.Filter{Apps: []string{"web"}})
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.Empty(t, fake.Calls())
}

func TestSSHKeysUnreadableAuthorizedKeys(t *testing.T) {
	_, fp := newAuthorizedKey(t)
	fake := runnertest.New().OnStdout("ssh-keys:list", fp+` NAME="admin"`+"\n")
	s := newSession(t, serviceAccount(), fake)

	objects, err := (&SSHKeys{}).Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestSSHKeysNoKeys(t *testing.T) {
	fake := runnertest.New().On("dokku ssh-keys:list", runnerResult(1, "", " !     No public keys found.\n"))
	s := newSession(t, localAdmin(), fake)

	objects, err := (&SSHKeys{}).Export(context.Background(), s, engine.Filter{})
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestEveryFamilySynthesizesCommands(t *testing.T) {
	registry, err := Default(nil)
	require.NoError(t, err)

	objects := map[string][]engine.Object{
		"ssh_keys": {&SSHKey{Name: "admin", PublicKey: "ssh-ed25519 AAAA"}},
		"apps":     {&AppRecord{Name: "web"}},
		"config":   {&ConfigEntry{AppName: engine.App("web"), Name: "A", Value: "1"}},
		"domains":  {&DomainSettings{AppName: engine.App("web"), Vhosts: []string{"web.example.com"}}},
		"network":  {&NetworkDefinition{Name: "backend"}},
		"proxy":    {&ProxySettings{AppName: engine.App("web"), Type: ptr("nginx")}},
		"ports":    {&PortMapping{AppName: engine.App("web"), Scheme: "http", HostPort: 80, ContainerPort: 5000}},
		"storage":  {&StorageMount{AppName: engine.App("web"), HostPath: "/a", ContainerPath: "/b"}},
		"ps":       {&ProcessScale{AppName: engine.App("web"), ProcessType: "web", Quantity: 1}},
	}
	for _, family := range registry.Families() {
		got := lines(family.Commands(objects[family.Name()], opts))
		assert.NotEmpty(t, got, family.Name())
	}
}

func TestApplyFailsOnPolicyBeforeRunning(t *testing.T) {
	registry, err := Default(nil)
	require.NoError(t, err)
	d := engine.NewDriver(registry, nil)

	snap := engine.NewSnapshot("0.35.0")
	snap.Add("apps", &AppRecord{Name: "web"})
	snap.Add("storage", &StorageMount{
		AppName:       engine.App("web"),
		HostPath:      "/var/lib/dokku/data/storage/web",
		ContainerPath: "/app/storage",
		UserID:        ptr(32767),
		GroupID:       ptr(32767),
	})

	for _, mode := range []engine.Mode{engine.ModePlan, engine.ModeExecute} {
		t.Run(string(mode), func(t *testing.T) {
			fake := runnertest.New().
				OnStdout("version", "dokku version 0.35.0\n").
				Otherwise(runner.Result{})

			steps, err := d.Apply(context.Background(), newSession(t, serviceAccount(), fake), snap, engine.ApplyOptions{Mode: mode})
			require.Error(t, err)
			assert.True(t, engine.IsPolicy(err))
			assert.Empty(t, steps)
			assert.Equal(t, []string{"version"}, fake.Lines())
		})
	}
}
