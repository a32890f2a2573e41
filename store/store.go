// Package store defines the persistence surface for sessions and the records
// that accumulate around them while the engine runs.
package store

import "github.com/autolyst-dev/autolyst/model"

// SessionStore persists sessions, transcript turns, lifecycle events,
// produced artifacts, and registered data sources. Implementations must be
// safe for concurrent use; the engine and the HTTP layer share one instance.
type SessionStore interface {
	CreateSession(sess *model.Session) error
	GetSession(id string) (*model.Session, error)
	ListSessions() ([]*model.Session, error)
	UpdateSession(sess *model.Session) error
	DeleteSession(id string) error

	AddTurn(turn *model.Turn) error
	GetTurns(sessionID string) ([]*model.Turn, error)

	AddEvent(event *model.Event) error
	GetEvents(sessionID string, afterID int64) ([]*model.Event, error)

	AddArtifact(a *model.Artifact) error
	GetArtifacts(sessionID string) ([]*model.Artifact, error)

	CreateDataSource(ds *model.DataSource) error
	GetDataSource(id string) (*model.DataSource, error)
	GetDataSourceByName(name string) (*model.DataSource, error)
	ListDataSources() ([]*model.DataSource, error)
	UpdateDataSource(ds *model.DataSource) error
	DeleteDataSource(id string) error

	Close() error
}
