package protocol

import (
	"encoding/json"
	"time"
)

// Entity is a stored document. Its "id" field holds the entity id.
type Entity = json.RawMessage

type WhereQuery struct {
	EntityName string         `json:"entityName"`
	Where      map[string]any `json:"where,omitempty"`
	Skip       int            `json:"skip,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

type IDQuery struct {
	EntityName string `json:"entityName"`
	ID         string `json:"id"`
}

type IDsQuery struct {
	EntityName string   `json:"entityName"`
	IDs        []string `json:"ids"`
}

// PullQuery asks for what happened to an entity after VersionID.
type PullQuery struct {
	EntityName string `json:"entityName"`
	ID         string `json:"id"`
	VersionID  string `json:"versionId"`
}

type SingleInsertCommand struct {
	EntityName string `json:"entityName"`
	Value      Entity `json:"value"`
}

type MultiInsertCommand struct {
	EntityName string   `json:"entityName"`
	Values     []Entity `json:"values"`
}

type IDUpdateCommand struct {
	EntityName string    `json:"entityName"`
	ID         string    `json:"id"`
	Operation  Operation `json:"operation"`
}

type MultiUpdateCommand struct {
	EntityName string    `json:"entityName"`
	IDs        []string  `json:"ids"`
	Operation  Operation `json:"operation"`
}

// PushCommand submits operations a client made on top of VersionID. Tag
// identifies the push across retries.
type PushCommand struct {
	EntityName string      `json:"entityName"`
	ID         string      `json:"id"`
	Operations []Operation `json:"operations"`
	VersionID  string      `json:"versionId,omitempty"`
	Tag        string      `json:"tag,omitempty"`
}

type DeleteCommand struct {
	EntityName string `json:"entityName"`
	ID         string `json:"id"`
}

type CustomQuery struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

type CustomCommand struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

type LoginCommand struct {
	EntityName  string          `json:"entityName"`
	Credentials json.RawMessage `json:"credentials"`
	Options     json.RawMessage `json:"options,omitempty"`
}

type LogoutCommand struct {
	EntityName string `json:"entityName"`
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId,omitempty"`
}

type QueryResult struct {
	OK           int               `json:"ok"`
	Entities     []Entity          `json:"entities"`
	VersionsByID map[string]string `json:"versionsById"`
}

type SingleQueryResult struct {
	OK        int    `json:"ok"`
	Entity    Entity `json:"entity"`
	VersionID string `json:"versionId"`
}

// PullQueryResult carries the operations recorded after the queried version
// when Pulled is 1, or the whole entity when that version is no longer known.
type PullQueryResult struct {
	OK         int         `json:"ok"`
	Pulled     int         `json:"pulled"`
	Operations []Operation `json:"operations,omitempty"`
	Entity     Entity      `json:"entity,omitempty"`
	VersionID  string      `json:"versionId"`
}

type SingleInsertCommandResult struct {
	OK        int    `json:"ok"`
	N         int    `json:"n"`
	ID        string `json:"id"`
	VersionID string `json:"versionId"`
}

type MultiInsertCommandResult struct {
	OK           int               `json:"ok"`
	N            int               `json:"n"`
	IDs          []string          `json:"ids"`
	VersionsByID map[string]string `json:"versionsById"`
}

type GetCommandResult struct {
	OK            int    `json:"ok"`
	Entity        Entity `json:"entity"`
	VersionID     string `json:"versionId"`
	PrevVersionID string `json:"prevVersionId,omitempty"`
}

type IDUpdateCommandResult struct {
	OK            int    `json:"ok"`
	N             int    `json:"n"`
	VersionID     string `json:"versionId"`
	PrevVersionID string `json:"prevVersionId,omitempty"`
}

type MultiUpdateCommandResult struct {
	OK               int               `json:"ok"`
	N                int               `json:"n"`
	VersionsByID     map[string]string `json:"versionsById"`
	PrevVersionsByID map[string]string `json:"prevVersionsById"`
}

type MultiValuesCommandResult struct {
	OK               int               `json:"ok"`
	N                int               `json:"n"`
	Entities         []Entity          `json:"entities"`
	VersionsByID     map[string]string `json:"versionsById"`
	PrevVersionsByID map[string]string `json:"prevVersionsById"`
}

// PushCommandResult reports the server-side outcome of a push. Operations are
// the ones other writers applied after the pushed base version; NewOperation is
// what was actually applied for this push.
type PushCommandResult struct {
	OK            int         `json:"ok"`
	N             int         `json:"n"`
	Entity        Entity      `json:"entity"`
	Operations    []Operation `json:"operations,omitempty"`
	NewOperation  Operation   `json:"newOperation"`
	VersionID     string      `json:"versionId"`
	PrevVersionID string      `json:"prevVersionId,omitempty"`
}

type DeleteCommandResult struct {
	OK int `json:"ok"`
	N  int `json:"n"`
}

type CustomQueryResult struct {
	OK     int             `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
}

type CustomCommandResult struct {
	OK     int             `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
}

type LoginCommandResult struct {
	OK        int     `json:"ok"`
	User      Entity  `json:"user,omitempty"`
	VersionID string  `json:"versionId,omitempty"`
	Session   Session `json:"session"`
}

type LogoutCommandResult struct {
	OK int `json:"ok"`
}

// AuthenticationResult is what a user entity's authentication hands back to
// the login flow.
type AuthenticationResult struct {
	PreSession PreSession
	User       Entity
	VersionID  string
}

type Session struct {
	ID         string    `json:"id"`
	ExpiredAt  time.Time `json:"expiredAt"`
	EntityName string    `json:"entityName"`
	UserID     string    `json:"userId,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
}

// PreSession is a session that has not been persisted; ID may be empty.
type PreSession = Session

// Expired reports whether the session is no longer valid at now. A session
// without an expiry time never expires.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiredAt.IsZero() {
		return false
	}
	return !s.ExpiredAt.After(now)
}

// VersionDiff records one confirmed state transition of one entity.
type VersionDiff struct {
	EntityName    string    `json:"entityName"`
	ID            string    `json:"id"`
	Operation     Operation `json:"operation"`
	VersionID     string    `json:"versionId"`
	PrevVersionID string    `json:"prevVersionId"`
}
