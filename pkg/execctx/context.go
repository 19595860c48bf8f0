// Package execctx decides how a command is actually run on the managed host.
//
// The resolver looks at where the host is (local or behind a transport
// prefix) and who is acting (local user, remote login) and turns a
// command.Command into the final argument vector: it adds or withholds
// the privilege escalation token, strips the management tool when the
// remote shell is already scoped to it, and rejects invocations that are
// structurally impossible for the acting identity.
package execctx

import (
	"errors"
	"fmt"
	"slices"

	"al.essio.dev/pkg/shellescape"

	"github.com/openfroyo/dokkusync/pkg/command"
)

// Case enumerates the topologies the resolver distinguishes.
type Case int

const (
	// CaseLocalAdmin is a local run by an identity with platform admin rights.
	CaseLocalAdmin Case = iota + 1

	// CaseLocalUser is a local run by any other identity.
	CaseLocalUser

	// CaseRemoteServiceAccount is a remote run logged in as the platform's
	// dedicated account, whose shell only accepts management subcommands.
	CaseRemoteServiceAccount

	// CaseRemoteSuperuser is a remote run logged in as a superuser.
	CaseRemoteSuperuser

	// CaseRemoteUser is a remote run logged in as any other identity.
	CaseRemoteUser
)

func (c Case) String() string {
	switch c {
	case CaseLocalAdmin:
		return "local-admin"
	case CaseLocalUser:
		return "local-user"
	case CaseRemoteServiceAccount:
		return "remote-service-account"
	case CaseRemoteSuperuser:
		return "remote-superuser"
	case CaseRemoteUser:
		return "remote-user"
	default:
		return fmt.Sprintf("case(%d)", int(c))
	}
}

var (
	// ErrEmptyCommand is returned for a command without an argument vector.
	ErrEmptyCommand = errors.New("empty argument vector")

	// ErrNonManagementCommand is returned when an ancillary tool is
	// requested through the platform service account.
	ErrNonManagementCommand = errors.New("non-management commands cannot run as the platform service account")

	// ErrPrivilegedManagement is returned when a management command asks for
	// privilege escalation through the platform service account.
	ErrPrivilegedManagement = errors.New("privilege escalation is impossible for the platform service account")
)

// PolicyError reports an invocation that the topology forbids. It is raised
// before any process is spawned.
type PolicyError struct {
	Case    Case
	Program string
	Err     error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy violation (%s, program=%s): %v", e.Case, e.Program, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// Context is the execution context of one session.
type Context struct {
	// Remote is true when commands run on another machine.
	Remote bool

	// RemoteIdentity is the login used on the remote host.
	RemoteIdentity string

	// LocalIdentity is the user running this process.
	LocalIdentity string

	// TransportPrefix is prepended to remote invocations, e.g.
	// ["ssh", "-p", "22", "dokku@host"]. Empty when a native transport
	// carries the command instead.
	TransportPrefix []string

	// Tool is argv[0] of management commands.
	Tool string

	// AdminIdentities are local identities that already hold platform
	// admin rights.
	AdminIdentities []string

	// ServiceAccount is the platform's dedicated remote account.
	ServiceAccount string

	// Superusers are remote identities with unconditional admin rights.
	Superusers []string
}

// Invocation is a resolved command ready for a runner.
type Invocation struct {
	// Remote is true when Args must be carried to another machine.
	Remote bool

	// Prefix is the transport prefix, empty for local runs and native
	// transports.
	Prefix []string

	// Args is the argument vector as it must run on the target machine.
	Args []string

	// Stdin is the payload for the process stdin, nil when absent.
	Stdin *string
}

// Argv returns the argument vector handed to the local operating system.
// Remote arguments are shell-quoted into one word after the prefix since
// the remote side re-parses them.
func (i Invocation) Argv() []string {
	if !i.Remote || len(i.Prefix) == 0 {
		return append([]string(nil), i.Args...)
	}
	argv := append([]string(nil), i.Prefix...)
	return append(argv, i.RemoteLine())
}

// RemoteLine returns Args as a single shell line.
func (i Invocation) RemoteLine() string {
	return shellescape.QuoteCommand(i.Args)
}

// Render returns a replayable shell line for the invocation.
func (i Invocation) Render() string {
	return command.RenderArgv(i.Argv(), i.Stdin, false)
}

// Case classifies the context.
func (c *Context) Case() Case {
	if !c.Remote {
		if slices.Contains(c.AdminIdentities, c.LocalIdentity) {
			return CaseLocalAdmin
		}
		return CaseLocalUser
	}
	switch {
	case c.RemoteIdentity == c.ServiceAccount:
		return CaseRemoteServiceAccount
	case slices.Contains(c.Superusers, c.RemoteIdentity):
		return CaseRemoteSuperuser
	default:
		return CaseRemoteUser
	}
}

// MayRunNonManagementCommands reports whether ancillary tools may be run at
// all. A false result means the data they would produce is unavailable.
func (c *Context) MayRunNonManagementCommands() bool {
	return c.Case() != CaseRemoteServiceAccount
}

// RequiresPrivilegeEscalation reports whether privileged commands get the
// escalation token in this context.
func (c *Context) RequiresPrivilegeEscalation() bool {
	switch c.Case() {
	case CaseLocalUser, CaseRemoteUser:
		return true
	default:
		return false
	}
}

// Resolve turns a command into the invocation a runner executes.
func (c *Context) Resolve(cmd command.Command) (Invocation, error) {
	argv := cmd.Argv()
	if len(argv) == 0 {
		return Invocation{}, &PolicyError{Case: c.Case(), Err: ErrEmptyCommand}
	}

	inv := Invocation{Remote: c.Remote}
	if stdin, ok := cmd.Stdin(); ok {
		inv.Stdin = &stdin
	}
	if c.Remote {
		inv.Prefix = append([]string(nil), c.TransportPrefix...)
	}

	switch kase := c.Case(); kase {
	case CaseLocalAdmin, CaseRemoteSuperuser:
		inv.Args = argv

	case CaseLocalUser, CaseRemoteUser:
		if cmd.IsPrivileged() {
			argv = append([]string{command.EscalationToken}, argv...)
		}
		inv.Args = argv

	case CaseRemoteServiceAccount:
		if argv[0] != c.Tool {
			return Invocation{}, &PolicyError{Case: kase, Program: argv[0], Err: ErrNonManagementCommand}
		}
		if cmd.IsPrivileged() {
			return Invocation{}, &PolicyError{Case: kase, Program: argv[0], Err: ErrPrivilegedManagement}
		}
		inv.Args = argv[1:]

	default:
		return Invocation{}, fmt.Errorf("unhandled execution case %s", kase)
	}

	return inv, nil
}
