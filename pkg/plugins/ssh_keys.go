package plugins

import (
	"context"
	"errors"
	"iter"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
	"github.com/openfroyo/dokkusync/pkg/sshkey"
	"github.com/openfroyo/dokkusync/pkg/telemetry"
)

// AuthorizedKeysPath is the platform's authorized_keys file.
const AuthorizedKeysPath = "/home/dokku/.ssh/authorized_keys"

// SSHKey is a public key allowed to push to the platform.
type SSHKey struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// Scope implements engine.Object.
func (SSHKey) Scope() engine.Scope { return engine.Global() }

// SSHKeys is the deploy key family. The platform only lists fingerprints,
// so the public keys come from its authorized_keys file and are matched
// to the listing by fingerprint.
type SSHKeys struct {
	Inspector sshkey.Inspector
}

// Name implements engine.Family.
func (*SSHKeys) Name() string { return "ssh_keys" }

// Shapes implements engine.Family.
func (*SSHKeys) Shapes() []engine.Shape {
	return []engine.Shape{engine.ShapeOf[SSHKey]()}
}

// Export implements engine.Exporter.
func (k *SSHKeys) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	if !filter.IncludesGlobal() {
		return nil, nil
	}
	logger := telemetry.FromContext(ctx)

	text, err := s.ReportText(ctx, s.Management("ssh-keys:list"))
	if err != nil {
		return nil, err
	}
	listed, err := sshkey.ParseKeyList(text)
	if err != nil {
		return nil, &report.FormatError{Text: text, Reason: err.Error()}
	}
	if len(listed) == 0 {
		return nil, nil
	}

	content, err := s.ReadFile(ctx, AuthorizedKeysPath)
	if errors.Is(err, host.ErrUnavailable) {
		logger.Warnf("cannot read %s, %d keys are not exported", AuthorizedKeysPath, len(listed))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	authorized := sshkey.ParseAuthorizedKeys(content)

	byFingerprint := make(map[string]string, len(authorized))
	for _, key := range authorized {
		fp, err := k.inspector().Fingerprint(ctx, key.PublicKey)
		if err != nil {
			return nil, err
		}
		byFingerprint[fp] = key.PublicKey
	}

	var objects []engine.Object
	for _, entry := range listed {
		publicKey, ok := byFingerprint[entry.Fingerprint]
		if !ok {
			logger.Warnf("key %s (%s) is listed but not in %s", entry.Name, entry.Fingerprint, AuthorizedKeysPath)
			continue
		}
		objects = append(objects, &SSHKey{Name: entry.Name, PublicKey: publicKey})
	}
	return objects, nil
}

func (k *SSHKeys) inspector() sshkey.Inspector {
	if k.Inspector == nil {
		return sshkey.NativeInspector{}
	}
	return k.Inspector
}

// Commands implements engine.Reconciler. The key travels on stdin.
func (*SSHKeys) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		for _, obj := range objects {
			key, ok := obj.(*SSHKey)
			if !ok {
				continue
			}
			cmd := command.New([]string{opts.Tool, "ssh-keys:add", key.Name}, command.WithStdin(key.PublicKey+"\n"))
			if !e.emit(cmd) {
				return
			}
		}
	})
}
