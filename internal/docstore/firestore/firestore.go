// Package firestore adapts Cloud Firestore's REST API to the docstore
// contract. Writes and transaction control go through the generated
// firestore/v1 service. Reads are decoded by hand: the generated Value type
// cannot tell a stored 0, false or "" from an absent member, and runQuery
// answers with a JSON array the generated call cannot decode.
//
// The REST surface has no listen stream, so subscriptions poll.
package firestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	fs "google.golang.org/api/firestore/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
)

const (
	defaultEndpoint     = "https://firestore.googleapis.com/"
	defaultDatabase     = "(default)"
	defaultPollInterval = 2 * time.Second
	maxAttempts         = 5
)

var errWriteBeforeRead = errors.New("transaction reads must precede writes")

// Config selects the project, database and credentials.
type Config struct {
	ProjectID  string
	DatabaseID string
	// EmulatorHost ("host:port") talks plain HTTP without auth.
	EmulatorHost string
	PollInterval time.Duration

	// CredentialsJSON is a service account key. When empty the
	// GOOGLE_SERVICE_ACCOUNT_* variables and application default
	// credentials are tried.
	CredentialsJSON []byte

	// Endpoint and HTTPClient override transport setup; used by tests.
	Endpoint   string
	HTTPClient *http.Client

	Logger *log.Logger
}

type Store struct {
	docs     *fs.ProjectsDatabasesDocumentsService
	hc       *http.Client
	endpoint string
	database string // projects/{p}/databases/{d}
	prefix   string // database + "/documents/"
	poll     time.Duration
	logger   *log.Logger
	pollers  *pollGroup
}

var _ docstore.Store = (*Store)(nil)

// New connects to Firestore. It does not make a network call.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("firestore: missing project id")
	}
	database := cfg.DatabaseID
	if database == "" {
		database = defaultDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentDocstore)

	endpoint, opts, err := clientOptions(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc, _, err = htransport.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("firestore: http client: %w", err)
		}
	}
	svc, err := fs.NewService(ctx, option.WithHTTPClient(hc), option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("firestore: create service: %w", err)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	dbName := fmt.Sprintf("projects/%s/databases/%s", cfg.ProjectID, database)
	logger.InfoContext(ctx, "Firestore store ready",
		"database", dbName, "endpoint", endpoint, "poll_interval", poll.String())
	return &Store{
		docs:     svc.Projects.Databases.Documents,
		hc:       hc,
		endpoint: endpoint,
		database: dbName,
		prefix:   dbName + "/documents/",
		poll:     poll,
		logger:   logger,
		pollers:  newPollGroup(),
	}, nil
}

// clientOptions resolves the endpoint and auth options: emulator without
// auth, an explicit key, the GOOGLE_SERVICE_ACCOUNT_* variables, or
// application default credentials.
func clientOptions(ctx context.Context, cfg Config, logger *log.Logger) (string, []option.ClientOption, error) {
	if cfg.Endpoint != "" {
		return ensureSlash(cfg.Endpoint), []option.ClientOption{option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication()}, nil
	}
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		endpoint := "http://" + host + "/"
		logger.InfoContext(ctx, "Using Firestore emulator", "host", host)
		return endpoint, []option.ClientOption{option.WithEndpoint(endpoint), option.WithoutAuthentication()}, nil
	}

	opts := []option.ClientOption{option.WithEndpoint(defaultEndpoint), option.WithScopes(fs.DatastoreScope)}
	creds := cfg.CredentialsJSON
	if len(creds) == 0 {
		var err error
		creds, err = credentialsFromEnv(ctx, logger)
		if err != nil {
			return "", nil, err
		}
	}
	if len(creds) > 0 {
		opts = append(opts, option.WithCredentialsJSON(creds))
	} else {
		logger.InfoContext(ctx, "No service account configured, using application default credentials")
	}
	return defaultEndpoint, opts, nil
}

func credentialsFromEnv(ctx context.Context, logger *log.Logger) ([]byte, error) {
	if inline := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")); inline != "" {
		logger.InfoContext(ctx, "Using inline service account credentials")
		return []byte(inline), nil
	}
	file := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if file == "" {
		return nil, nil
	}
	logger.InfoContext(ctx, "Reading service account credentials", "path", file)
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	return data, nil
}

func ensureSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

// mapError converts API errors to docstore sentinels.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, docstore.ErrNotFound)
		case http.StatusConflict:
			return fmt.Errorf("%s: %w: %s", op, docstore.ErrAborted, gerr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) name(path string) string {
	return s.prefix + strings.Trim(path, "/")
}

func (s *Store) NewID() string {
	// Firestore auto ids are 20 alphanumerics; a dashless uuid is as good.
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// do sends a raw request relative to the v1 API root and decodes the JSON
// response into out.
func (s *Store) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := s.endpoint + "v1/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := googleapi.CheckResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Store) getDoc(ctx context.Context, path, transaction string) (*docstore.Document, error) {
	if _, _, err := docstore.SplitDoc(path); err != nil {
		return nil, err
	}
	var q url.Values
	if transaction != "" {
		q = url.Values{"transaction": {transaction}}
	}
	var w wireDocument
	if err := s.do(ctx, http.MethodGet, s.name(path), q, nil, &w); err != nil {
		return nil, mapError("get "+path, err)
	}
	return decodeDocument(&w, s.prefix)
}

func (s *Store) Get(ctx context.Context, path string) (*docstore.Document, error) {
	return s.getDoc(ctx, path, "")
}

func (s *Store) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	w, err := s.setWrite(path, fields, docstore.ApplySetOptions(opts))
	if err != nil {
		return err
	}
	_, err = s.docs.Commit(s.database, &fs.CommitRequest{Writes: []*fs.Write{w}}).Context(ctx).Do()
	return mapError("set "+path, err)
}

func (s *Store) setWrite(path string, fields docstore.Fields, o docstore.SetOptions) (*fs.Write, error) {
	if _, _, err := docstore.SplitDoc(path); err != nil {
		return nil, err
	}
	w, err := buildWrite(s.name(path), fields, o.Merge)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	return w, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := docstore.SplitDoc(path); err != nil {
		return err
	}
	_, err := s.docs.Commit(s.database, &fs.CommitRequest{
		Writes: []*fs.Write{{Delete: s.name(path)}},
	}).Context(ctx).Do()
	return mapError("delete "+path, err)
}

// RunTransaction begins a read-write transaction, runs fn, and commits the
// staged writes. An aborted commit is retried with the previous
// transaction id, which Firestore uses to keep the retry's lock priority.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	var (
		prev string
		err  error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		opts := &fs.TransactionOptions{ReadWrite: &fs.ReadWrite{RetryTransaction: prev}}
		begin, berr := s.docs.BeginTransaction(s.database, &fs.BeginTransactionRequest{Options: opts}).Context(ctx).Do()
		if berr != nil {
			return mapError("begin transaction", berr)
		}
		t := &txn{store: s, id: begin.Transaction}
		if ferr := fn(ctx, t); ferr != nil {
			s.rollback(ctx, t.id)
			return ferr
		}
		_, cerr := s.docs.Commit(s.database, &fs.CommitRequest{Transaction: t.id, Writes: t.writes}).Context(ctx).Do()
		err = mapError("commit", cerr)
		if !errors.Is(err, docstore.ErrAborted) {
			return err
		}
		s.logger.DebugContext(ctx, "Transaction aborted, retrying", "attempt", attempt+1)
		prev = t.id
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, err)
}

func (s *Store) rollback(ctx context.Context, id string) {
	_, err := s.docs.Rollback(s.database, &fs.RollbackRequest{Transaction: id}).Context(context.WithoutCancel(ctx)).Do()
	if err != nil {
		s.logger.WarnContext(ctx, "Transaction rollback failed", log.FieldError, err)
	}
}

type txn struct {
	store  *Store
	id     string
	writes []*fs.Write
}

func (t *txn) Get(ctx context.Context, path string) (*docstore.Document, error) {
	if len(t.writes) > 0 {
		return nil, errWriteBeforeRead
	}
	return t.store.getDoc(ctx, path, t.id)
}

func (t *txn) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	w, err := t.store.setWrite(path, fields, docstore.ApplySetOptions(opts))
	if err != nil {
		return err
	}
	t.writes = append(t.writes, w)
	return nil
}

func (t *txn) Delete(ctx context.Context, path string) error {
	if _, _, err := docstore.SplitDoc(path); err != nil {
		return err
	}
	t.writes = append(t.writes, &fs.Write{Delete: t.store.name(path)})
	return nil
}

// Query runs a structured query under the collection's parent document.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	if err := docstore.ValidCollection(q.Collection); err != nil {
		return nil, err
	}
	parent := s.database + "/documents"
	collectionID := q.Collection
	if i := strings.LastIndex(q.Collection, "/"); i >= 0 {
		parent = s.name(q.Collection[:i])
		collectionID = q.Collection[i+1:]
	}
	sq, err := buildQuery(q, collectionID)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}

	var results []wireRunQueryResponse
	if err := s.do(ctx, http.MethodPost, parent+":runQuery", nil, &fs.RunQueryRequest{StructuredQuery: sq}, &results); err != nil {
		return nil, mapError("query "+q.Collection, err)
	}
	docs := make([]*docstore.Document, 0, len(results))
	for _, r := range results {
		if r.Document == nil {
			continue
		}
		d, err := decodeDocument(r.Document, s.prefix)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, q docstore.Query, fn docstore.SnapshotFunc) (docstore.Unsubscribe, error) {
	if err := docstore.ValidCollection(q.Collection); err != nil {
		return nil, err
	}
	return s.pollers.start(ctx, s.poll, func(ctx context.Context) ([]*docstore.Document, error) {
		return s.Query(ctx, q)
	}, fn)
}

func (s *Store) Close() error {
	s.pollers.closeAll()
	return nil
}
