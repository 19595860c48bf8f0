package plugins

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/openfroyo/dokkusync/pkg/command"
	"github.com/openfroyo/dokkusync/pkg/engine"
	"github.com/openfroyo/dokkusync/pkg/host"
	"github.com/openfroyo/dokkusync/pkg/report"
	"github.com/openfroyo/dokkusync/pkg/telemetry"
)

// StorageMount is a host directory mounted into an app's containers. The
// owner ids are nil when the host directory could not be inspected.
type StorageMount struct {
	AppName       engine.Scope `json:"app_name"`
	HostPath      string       `json:"host_path"`
	ContainerPath string       `json:"container_path"`
	UserID        *int         `json:"user_id"`
	GroupID       *int         `json:"group_id"`
}

// Scope implements engine.Object.
func (m StorageMount) Scope() engine.Scope { return m.AppName }

// Storage is the persistent storage family.
type Storage struct{}

var storageReport = report.Config{
	NormalizeKeys: true,
	Renames:       map[string]string{"storage_run_mounts": "run_mounts"},
	Discards: map[string]bool{
		"storage_build_mounts":  true,
		"storage_deploy_mounts": true,
	},
	Parsers: map[string]report.FieldParser{"run_mounts": report.List},
}

// Name implements engine.Family.
func (Storage) Name() string { return "storage" }

// Shapes implements engine.Family.
func (Storage) Shapes() []engine.Shape {
	return []engine.Shape{engine.ShapeOf[StorageMount]()}
}

// ParseMounts parses "-v host:container" pairs.
func ParseMounts(app string, tokens []string) ([]*StorageMount, error) {
	var mounts []*StorageMount
	for i := 0; i < len(tokens); i++ {
		if tokens[i] != "-v" {
			return nil, fmt.Errorf("expected -v before mount, got %q", tokens[i])
		}
		i++
		if i == len(tokens) {
			return nil, fmt.Errorf("-v without a mount")
		}
		hostPath, containerPath, ok := strings.Cut(tokens[i], ":")
		if !ok || hostPath == "" || containerPath == "" {
			return nil, fmt.Errorf("mount %q is not host:container", tokens[i])
		}
		mounts = append(mounts, &StorageMount{
			AppName:       engine.App(app),
			HostPath:      hostPath,
			ContainerPath: containerPath,
		})
	}
	return mounts, nil
}

// Export implements engine.Exporter.
func (Storage) Export(ctx context.Context, s *host.Session, filter engine.Filter) ([]engine.Object, error) {
	logger := telemetry.FromContext(ctx)

	rows, err := appRows(ctx, s, "storage:report", storageReport, filter)
	if err != nil {
		return nil, err
	}
	var objects []engine.Object
	for _, row := range rows {
		tokens := row.Strings("run_mounts")
		mounts, err := ParseMounts(row.Scope, tokens)
		if err != nil {
			return nil, &report.FormatError{Text: strings.Join(tokens, " "), Reason: err.Error()}
		}
		for _, m := range mounts {
			uid, gid, err := s.FileOwner(ctx, m.HostPath)
			switch {
			case errors.Is(err, host.ErrUnavailable):
				logger.Warnf("cannot inspect owner of %s, mount is exported without owner", m.HostPath)
			case err != nil:
				return nil, err
			default:
				m.UserID, m.GroupID = &uid, &gid
			}
			objects = append(objects, m)
		}
	}
	return objects, nil
}

// Commands implements engine.Reconciler. The host directory is created
// and owned before it is mounted when the owner is known.
func (Storage) Commands(objects []engine.Object, opts engine.CommandOptions) iter.Seq[command.Command] {
	return commands(func(e *emitter) {
		for _, obj := range objects {
			m, ok := obj.(*StorageMount)
			if !ok {
				continue
			}
			app, ok := m.AppName.AppName()
			if !ok {
				continue
			}
			if m.UserID != nil && m.GroupID != nil {
				owner := strconv.Itoa(*m.UserID) + ":" + strconv.Itoa(*m.GroupID)
				if !e.emit(command.New([]string{"mkdir", "-p", m.HostPath}, command.Privileged())) {
					return
				}
				if !e.emit(command.New([]string{"chown", owner, m.HostPath}, command.Privileged())) {
					return
				}
			}
			if !e.emit(manage(opts, "storage:mount", app, m.HostPath+":"+m.ContainerPath)) {
				return
			}
		}
	})
}
