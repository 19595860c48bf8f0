// Package sshkey inspects SSH public keys.
package sshkey

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/dokkusync/pkg/runner"
)

// DefaultTimeout bounds the ssh-keygen subprocess.
const DefaultTimeout = 10 * time.Second

// Inspector computes the SHA256 fingerprint of an authorized_keys style
// public key line ("<type> <base64> [comment]").
type Inspector interface {
	Fingerprint(ctx context.Context, publicKey string) (string, error)
}

// NativeInspector parses keys in process.
type NativeInspector struct{}

// Fingerprint implements Inspector.
func (NativeInspector) Fingerprint(_ context.Context, publicKey string) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("parsing public key: %w", err)
	}
	return ssh.FingerprintSHA256(key), nil
}

// KeygenInspector asks OpenSSH's ssh-keygen. The tool runs in its own
// session with a bounded wait, so a prompt can neither grab the terminal
// nor hang the run.
type KeygenInspector struct {
	// Program is the ssh-keygen binary, "ssh-keygen" when empty.
	Program string

	// Timeout bounds the subprocess, DefaultTimeout when zero.
	Timeout time.Duration
}

// Fingerprint implements Inspector.
func (k KeygenInspector) Fingerprint(ctx context.Context, publicKey string) (string, error) {
	program := k.Program
	if program == "" {
		program = "ssh-keygen"
	}
	timeout := k.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	argv := []string{program, "-l", "-E", "sha256", "-f", "-"}
	payload := strings.TrimSpace(publicKey) + "\n"
	res, err := runner.RunDetached(ctx, argv, &payload, timeout)
	if err != nil {
		return "", err
	}
	if err := runner.CheckResult(argv, res); err != nil {
		return "", err
	}

	// "256 SHA256:abc... comment (ED25519)"
	fields := strings.Fields(res.Stdout)
	if len(fields) < 2 || !strings.HasPrefix(fields[1], "SHA256:") {
		return "", fmt.Errorf("unexpected ssh-keygen output %q", strings.TrimSpace(res.Stdout))
	}
	return fields[1], nil
}

// NewInspector returns the inspector named by kind ("native" or "ssh-keygen").
func NewInspector(kind string, timeout time.Duration) (Inspector, error) {
	switch kind {
	case "", "native":
		return NativeInspector{}, nil
	case "ssh-keygen":
		return KeygenInspector{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown key inspector %q", kind)
	}
}

// AuthorizedKey is one entry of a platform-managed authorized_keys file.
type AuthorizedKey struct {
	// Name is the platform's name for the key, empty when absent.
	Name string

	// PublicKey is "<type> <base64>" without options or comment.
	PublicKey string
}

var nameOption = regexp.MustCompile(`NAME=\\?"([^"\\]*)\\?"`)

// ParseAuthorizedKeys parses an authorized_keys file. Lines that are not
// keys are skipped.
func ParseAuthorizedKeys(content string) []AuthorizedKey {
	var keys []AuthorizedKey
	rest := []byte(content)
	for len(rest) > 0 {
		key, _, options, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			// ParseAuthorizedKey only fails once no key is left.
			break
		}
		rest = next

		entry := AuthorizedKey{
			PublicKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
		}
		for _, opt := range options {
			if m := nameOption.FindStringSubmatch(opt); m != nil {
				entry.Name = m[1]
				break
			}
		}
		keys = append(keys, entry)
	}
	return keys
}

// ListedKey is one line of the platform's key listing.
type ListedKey struct {
	Fingerprint string
	Name        string
}

// ParseKeyList parses listing lines of the form
//
//	SHA256:abc... NAME="admin" SSHCOMMAND_ALLOWED_KEYS="none"
func ParseKeyList(text string) ([]ListedKey, error) {
	var keys []ListedKey
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if !strings.HasPrefix(fields[0], "SHA256:") {
			return nil, fmt.Errorf("key listing line %q does not start with a SHA256 fingerprint", strings.TrimSpace(line))
		}
		entry := ListedKey{Fingerprint: fields[0]}
		if m := nameOption.FindStringSubmatch(line); m != nil {
			entry.Name = m[1]
		}
		keys = append(keys, entry)
	}
	return keys, nil
}
