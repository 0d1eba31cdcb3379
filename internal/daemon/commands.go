package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/protocol"
	"github.com/standardbeagle/mitmctl/internal/query"
)

// ErrNotFound is returned when a looked-up request does not exist.
var ErrNotFound = errors.New("not found")

// InvalidQueryError is a ValidateQuery rejection. It unwraps to the
// underlying *protocol.CommandError.
type InvalidQueryError struct {
	Reason string
	Err    error
}

func (e *InvalidQueryError) Error() string { return "invalid query: " + e.Reason }

func (e *InvalidQueryError) Unwrap() error { return e.Err }

// Scope is the backend's default query.
type Scope struct {
	IsCustom bool        `json:"IsCustom"`
	Query    query.Query `json:"Query"`
}

// SavedQuery is a named query kept in a storage.
type SavedQuery struct {
	Name  string      `json:"Name"`
	Query query.Query `json:"Query"`
}

// ListenerConfig describes a proxy listener to open.
type ListenerConfig struct {
	Host string
	Port int

	// Transparent listeners forward everything to a fixed destination.
	Transparent bool
	DestHost    string
	DestPort    int
	DestUseTLS  bool
}

// Listener is an active proxy listener.
type Listener struct {
	ID   int    `json:"Id"`
	Addr string `json:"Addr"`
}

// PEMCertificates holds a generated CA key pair.
type PEMCertificates struct {
	KeyPEM  string `json:"KeyPEMData"`
	CertPEM string `json:"CertificatePEMData"`
}

// StorageInfo is a backend storage as listed by ListStorage.
type StorageInfo struct {
	ID          int    `json:"Id"`
	Description string `json:"Description"`
}

// UpstreamProxy configures the proxy the backend itself connects through.
type UpstreamProxy struct {
	Enabled  bool   `json:"UseProxy"`
	Host     string `json:"ProxyHost"`
	Port     int    `json:"ProxyPort"`
	SOCKS    bool   `json:"ProxyIsSOCKS"`
	UseCreds bool   `json:"UseCredentials"`
	Username string `json:"Username"`
	Password string `json:"Password"`
}

// Ping checks that the backend answers.
func (c *Conn) Ping() error {
	var out struct {
		Ping bool `json:"Ping"`
	}
	if err := c.roundTrip(protocol.CmdPing, nil, &out); err != nil {
		return err
	}
	if !out.Ping {
		return fmt.Errorf("ping: unexpected reply")
	}
	return nil
}

// Submit sends req upstream through the proxy and saves it in storageID. On
// success req gains its response, unmangled version, timing and database id.
func (c *Conn) Submit(req *model.Request, storageID int) error {
	args := struct {
		Request *codec.Request `json:"Request"`
		Storage int            `json:"Storage"`
	}{codec.EncodeRequest(req, codec.Full), storageID}
	var out struct {
		SubmittedRequest *codec.Request `json:"SubmittedRequest"`
	}
	if err := c.roundTrip(protocol.CmdSubmit, args, &out); err != nil {
		return err
	}
	if out.SubmittedRequest == nil {
		return &codec.DecodeError{Entity: "Submit reply", Err: errors.New("no request returned")}
	}
	got, err := codec.DecodeRequest(out.SubmittedRequest, codec.Options{StorageID: storageID})
	if err != nil {
		return err
	}
	req.Response = got.Response
	req.Unmangled = got.Unmangled
	req.StartTime = got.StartTime
	req.EndTime = got.EndTime
	req.DbID = got.DbID
	req.StorageID = storageID
	return nil
}

// SaveNew stores req without sending it and returns its database id.
func (c *Conn) SaveNew(req *model.Request, storageID int) (string, error) {
	args := struct {
		Request *codec.Request `json:"Request"`
		Storage int            `json:"Storage"`
	}{codec.EncodeRequest(req, codec.Full), storageID}
	var out struct {
		DbID string `json:"DbId"`
	}
	if err := c.roundTrip(protocol.CmdSaveNew, args, &out); err != nil {
		return "", err
	}
	req.DbID = out.DbID
	req.StorageID = storageID
	return out.DbID, nil
}

// QueryStorage returns requests in storageID matching q, newest first as the
// backend orders them. maxResults <= 0 means no limit. Requests that are only
// the unmangled predecessor of another result are left out.
func (c *Conn) QueryStorage(q query.Query, storageID int, headersOnly bool, maxResults int) ([]*model.Request, error) {
	if maxResults < 0 {
		maxResults = 0
	}
	args := struct {
		Query       query.Query `json:"Query"`
		HeadersOnly bool        `json:"HeadersOnly"`
		MaxResults  int         `json:"MaxResults"`
		Storage     int         `json:"Storage"`
	}{q, headersOnly, maxResults, storageID}
	var out struct {
		Results []codec.Request `json:"Results"`
	}
	if err := c.roundTrip(protocol.CmdStorageQuery, args, &out); err != nil {
		return nil, err
	}

	opts := codec.Options{StorageID: storageID, HeadersOnly: headersOnly}
	reqs := make([]*model.Request, 0, len(out.Results))
	predecessors := make(map[string]struct{})
	for i := range out.Results {
		r, err := codec.DecodeRequest(&out.Results[i], opts)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
		if r.Unmangled != nil && r.Unmangled.DbID != "" {
			predecessors[r.Unmangled.DbID] = struct{}{}
		}
	}
	if len(predecessors) == 0 {
		return reqs, nil
	}
	filtered := reqs[:0]
	for _, r := range reqs {
		if _, ok := predecessors[r.DbID]; !ok {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// RequestByID fetches one request by database id.
func (c *Conn) RequestByID(dbID string, storageID int, headersOnly bool) (*model.Request, error) {
	reqs, err := c.QueryStorage(query.ByDbID(dbID), storageID, headersOnly, 1)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("request %s in storage %d: %w", dbID, storageID, ErrNotFound)
	}
	return reqs[0], nil
}

// SetScope replaces the backend's default query.
func (c *Conn) SetScope(q query.Query) error {
	args := struct {
		Query query.Query `json:"Query"`
	}{q}
	return c.roundTrip(protocol.CmdSetScope, args, nil)
}

// GetScope returns the backend's default query.
func (c *Conn) GetScope() (Scope, error) {
	var out Scope
	err := c.roundTrip(protocol.CmdViewScope, nil, &out)
	return out, err
}

type tagArgs struct {
	ReqID   string `json:"ReqId"`
	Tag     string `json:"Tag,omitempty"`
	Storage int    `json:"Storage"`
}

// AddTag tags a stored request.
func (c *Conn) AddTag(dbID, tag string, storageID int) error {
	return c.roundTrip(protocol.CmdAddTag, tagArgs{dbID, tag, storageID}, nil)
}

// RemoveTag untags a stored request.
func (c *Conn) RemoveTag(dbID, tag string, storageID int) error {
	return c.roundTrip(protocol.CmdRemoveTag, tagArgs{dbID, tag, storageID}, nil)
}

// ClearTag removes every tag from a stored request.
func (c *Conn) ClearTag(dbID string, storageID int) error {
	return c.roundTrip(protocol.CmdClearTag, tagArgs{ReqID: dbID, Storage: storageID}, nil)
}

// AllSavedQueries lists the named queries in a storage.
func (c *Conn) AllSavedQueries(storageID int) ([]SavedQuery, error) {
	args := struct {
		Storage int `json:"Storage"`
	}{storageID}
	var out struct {
		Queries []SavedQuery `json:"Queries"`
	}
	err := c.roundTrip(protocol.CmdAllSavedQueries, args, &out)
	return out.Queries, err
}

// SaveQuery stores q under name.
func (c *Conn) SaveQuery(name string, q query.Query, storageID int) error {
	args := struct {
		Name    string      `json:"Name"`
		Query   query.Query `json:"Query"`
		Storage int         `json:"Storage"`
	}{name, q, storageID}
	return c.roundTrip(protocol.CmdSaveQuery, args, nil)
}

// LoadQuery fetches the query saved under name.
func (c *Conn) LoadQuery(name string, storageID int) (query.Query, error) {
	args := struct {
		Name    string `json:"Name"`
		Storage int    `json:"Storage"`
	}{name, storageID}
	var out struct {
		Query query.Query `json:"Query"`
	}
	if err := c.roundTrip(protocol.CmdLoadQuery, args, &out); err != nil {
		return nil, err
	}
	return out.Query, nil
}

// DeleteQuery removes the query saved under name.
func (c *Conn) DeleteQuery(name string, storageID int) error {
	args := struct {
		Name    string `json:"Name"`
		Storage int    `json:"Storage"`
	}{name, storageID}
	return c.roundTrip(protocol.CmdDeleteQuery, args, nil)
}

// AddListener opens a proxy listener and returns its id.
func (c *Conn) AddListener(cfg ListenerConfig) (int, error) {
	args := struct {
		Type        string `json:"Type"`
		Addr        string `json:"Addr"`
		Transparent bool   `json:"TransparentMode"`
		DestHost    string `json:"DestHost"`
		DestPort    int    `json:"DestPort"`
		DestUseTLS  bool   `json:"DestUseTLS"`
	}{
		Type:        KindTCP,
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Transparent: cfg.Transparent,
		DestHost:    cfg.DestHost,
		DestPort:    cfg.DestPort,
		DestUseTLS:  cfg.DestUseTLS,
	}
	var out struct {
		ID int `json:"Id"`
	}
	if err := c.roundTrip(protocol.CmdAddListener, args, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// RemoveListener closes a listener.
func (c *Conn) RemoveListener(id int) error {
	args := struct {
		ID int `json:"Id"`
	}{id}
	return c.roundTrip(protocol.CmdRemoveListener, args, nil)
}

// GetListeners lists open listeners.
func (c *Conn) GetListeners() ([]Listener, error) {
	var out struct {
		Results []Listener `json:"Results"`
	}
	err := c.roundTrip(protocol.CmdGetListeners, nil, &out)
	return out.Results, err
}

// LoadCertificates makes the backend sign with the CA in the given files.
func (c *Conn) LoadCertificates(certFile, keyFile string) error {
	args := struct {
		KeyFile  string `json:"KeyFile"`
		CertFile string `json:"CertificateFile"`
	}{keyFile, certFile}
	return c.roundTrip(protocol.CmdLoadCerts, args, nil)
}

// SetCertificates makes the backend sign with the given PEM CA.
func (c *Conn) SetCertificates(keyPEM, certPEM string) error {
	return c.roundTrip(protocol.CmdSetCerts, PEMCertificates{KeyPEM: keyPEM, CertPEM: certPEM}, nil)
}

// ClearCertificates unloads the CA.
func (c *Conn) ClearCertificates() error {
	return c.roundTrip(protocol.CmdClearCerts, nil, nil)
}

// GenerateCertificates makes the backend write a new CA to the given files.
func (c *Conn) GenerateCertificates(keyFile, certFile string) error {
	args := struct {
		KeyFile  string `json:"KeyFile"`
		CertFile string `json:"CertFile"`
	}{keyFile, certFile}
	return c.roundTrip(protocol.CmdGenCerts, args, nil)
}

// GeneratePEMCertificates returns a new CA without touching disk.
func (c *Conn) GeneratePEMCertificates() (PEMCertificates, error) {
	var out PEMCertificates
	err := c.roundTrip(protocol.CmdGenPEMCerts, nil, &out)
	return out, err
}

// ValidateQuery checks q with the backend. A rejection is reported as
// *InvalidQueryError.
func (c *Conn) ValidateQuery(q query.Query) error {
	args := struct {
		Query query.Query `json:"Query"`
	}{q}
	err := c.roundTrip(protocol.CmdValidateQuery, args, nil)
	var cmdErr *protocol.CommandError
	if errors.As(err, &cmdErr) {
		return &InvalidQueryError{Reason: cmdErr.Reason, Err: cmdErr}
	}
	return err
}

// CheckRequest reports whether req matches q.
func (c *Conn) CheckRequest(q query.Query, req *model.Request) (bool, error) {
	args := struct {
		Query   query.Query    `json:"Query"`
		Request *codec.Request `json:"Request"`
	}{q, codec.EncodeRequest(req, codec.Full)}
	return c.checkRequest(args)
}

// CheckStoredRequest reports whether the stored request dbID matches q.
func (c *Conn) CheckStoredRequest(q query.Query, storageID int, dbID string) (bool, error) {
	args := struct {
		Query     query.Query `json:"Query"`
		DbID      string      `json:"DbId"`
		StorageID int         `json:"StorageId"`
	}{q, dbID, storageID}
	return c.checkRequest(args)
}

func (c *Conn) checkRequest(args any) (bool, error) {
	var out struct {
		Result bool `json:"Result"`
	}
	err := c.roundTrip(protocol.CmdCheckRequest, args, &out)
	return out.Result, err
}

// AddSQLiteStorage opens a database file as a storage and returns its id.
func (c *Conn) AddSQLiteStorage(path, description string) (int, error) {
	args := struct {
		Path        string `json:"Path"`
		Description string `json:"Description"`
	}{path, description}
	return c.addStorage(protocol.CmdAddSQLiteStorage, args)
}

// AddInMemoryStorage creates a volatile storage and returns its id.
func (c *Conn) AddInMemoryStorage(description string) (int, error) {
	args := struct {
		Description string `json:"Description"`
	}{description}
	return c.addStorage(protocol.CmdAddInMemStorage, args)
}

func (c *Conn) addStorage(cmd string, args any) (int, error) {
	var out struct {
		StorageID int `json:"StorageId"`
	}
	if err := c.roundTrip(cmd, args, &out); err != nil {
		return 0, err
	}
	return out.StorageID, nil
}

type storageArgs struct {
	StorageID int `json:"StorageId"`
}

// CloseStorage closes a storage.
func (c *Conn) CloseStorage(storageID int) error {
	return c.roundTrip(protocol.CmdCloseStorage, storageArgs{storageID}, nil)
}

// SetProxyStorage selects where proxied traffic is saved.
func (c *Conn) SetProxyStorage(storageID int) error {
	return c.roundTrip(protocol.CmdSetProxyStorage, storageArgs{storageID}, nil)
}

// ListStorage lists open storages.
func (c *Conn) ListStorage() ([]StorageInfo, error) {
	var out struct {
		Storages []StorageInfo `json:"Storages"`
	}
	err := c.roundTrip(protocol.CmdListStorage, nil, &out)
	return out.Storages, err
}

// SetProxy configures the upstream proxy.
func (c *Conn) SetProxy(p UpstreamProxy) error {
	return c.roundTrip(protocol.CmdSetProxy, p, nil)
}

// SetPluginValue stores a plugin key/value in a storage.
func (c *Conn) SetPluginValue(key, value string, storageID int) error {
	args := struct {
		Storage int    `json:"Storage"`
		Key     string `json:"Key"`
		Value   string `json:"Value"`
	}{storageID, key, value}
	return c.roundTrip(protocol.CmdSetPluginValue, args, nil)
}

// GetPluginValue reads a plugin value from a storage.
func (c *Conn) GetPluginValue(key string, storageID int) (string, error) {
	args := struct {
		Storage int    `json:"Storage"`
		Key     string `json:"Key"`
	}{storageID, key}
	var out struct {
		Value string `json:"Value"`
	}
	err := c.roundTrip(protocol.CmdGetPluginValue, args, &out)
	return out.Value, err
}

// Raw issues an arbitrary non-interactive command and returns the reply
// frame.
func (c *Conn) Raw(name string, args map[string]any) (json.RawMessage, error) {
	if protocol.IsInteractiveCommand(name) {
		return nil, fmt.Errorf("%s cannot be issued as a raw command", name)
	}
	var out json.RawMessage
	if err := c.roundTrip(name, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}
