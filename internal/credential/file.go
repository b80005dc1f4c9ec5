package credential

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/fsnotify/fsnotify"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

const fileName = "creds.cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("credential: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("credential: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the on-disk record for one identity.
type envelope struct {
	Identity string `cbor:"identity"`
	SavedAt  int64  `cbor:"saved_at"`
	Sealed   bool   `cbor:"sealed"`
	Data     []byte `cbor:"data"`
}

// FileStore keeps one envelope per identity under <dir>/<identity>/creds.cbor.
type FileStore struct {
	dir    string
	sealer *Sealer
	log    zerolog.Logger

	mu       sync.Mutex
	watchers int
	suppress map[identity.Identity]int
}

type Option func(*FileStore)

// WithSealer encrypts every saved blob to s.
func WithSealer(s *Sealer) Option {
	return func(f *FileStore) {
		f.sealer = s
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(f *FileStore) {
		f.log = l
	}
}

func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &OpError{Op: "mkdir", Path: dir, Err: err}
	}
	f := &FileStore{
		dir:      dir,
		log:      zerolog.Nop(),
		suppress: make(map[identity.Identity]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) path(id identity.Identity) string {
	return filepath.Join(f.dir, id.String(), fileName)
}

func (f *FileStore) Load(id identity.Identity) ([]byte, bool, error) {
	path := f.path(id)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &OpError{Op: "read", Path: path, Err: err}
	}
	var env envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return nil, false, &OpError{Op: "decode", Path: path, Err: err}
	}
	if env.Identity != id.String() {
		return nil, false, &OpError{Op: "decode", Path: path, Err: ErrMismatch}
	}
	if !env.Sealed {
		return env.Data, true, nil
	}
	if f.sealer == nil {
		return nil, false, &OpError{Op: "open", Path: path, Err: ErrSealed}
	}
	data, err := f.sealer.Open(env.Data)
	if err != nil {
		return nil, false, &OpError{Op: "open", Path: path, Err: err}
	}
	return data, true, nil
}

func (f *FileStore) Save(id identity.Identity, blob []byte) error {
	path := f.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &OpError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	env := envelope{
		Identity: id.String(),
		SavedAt:  time.Now().UnixMilli(),
		Data:     blob,
	}
	if f.sealer != nil {
		sealed, err := f.sealer.Seal(blob)
		if err != nil {
			return &OpError{Op: "seal", Path: path, Err: err}
		}
		env.Sealed = true
		env.Data = sealed
	}
	raw, err := encMode.Marshal(env)
	if err != nil {
		return &OpError{Op: "encode", Path: path, Err: err}
	}
	if err := renameio.WriteFile(path, raw, 0o600); err != nil {
		return &OpError{Op: "write", Path: path, Err: err}
	}
	f.log.Debug().Str("identity", id.String()).Bool("sealed", env.Sealed).Msg("credential.FileStore.Save")
	return nil
}

// Wipe removes every file for id. The resulting watch event is not reported.
func (f *FileStore) Wipe(id identity.Identity) error {
	dir := filepath.Join(f.dir, id.String())
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	f.mu.Lock()
	if f.watchers > 0 {
		f.suppress[id]++
	}
	f.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		f.consume(id)
		return &OpError{Op: "remove", Path: dir, Err: err}
	}
	f.log.Info().Str("identity", id.String()).Msg("credential.FileStore.Wipe")
	return nil
}

// Watch reports identities whose credential directory was removed by
// something other than Wipe. It blocks until ctx ends.
func (f *FileStore) Watch(ctx context.Context, onRemoved func(identity.Identity)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &OpError{Op: "watch", Path: f.dir, Err: err}
	}
	defer watcher.Close()
	if err := watcher.Add(f.dir); err != nil {
		return &OpError{Op: "watch", Path: f.dir, Err: err}
	}
	f.mu.Lock()
	f.watchers++
	f.mu.Unlock()
	defer f.unwatch()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			id, err := identity.Normalize(filepath.Base(ev.Name))
			if err != nil {
				continue
			}
			if f.consume(id) {
				continue
			}
			f.log.Info().Str("identity", id.String()).Msg("credential.FileStore.Watch removed externally")
			onRemoved(id)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn().Err(err).Msg("credential.FileStore.Watch")
		}
	}
}

// unwatch drops pending suppressions once no watcher is left to consume them.
func (f *FileStore) unwatch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers--
	if f.watchers == 0 {
		clear(f.suppress)
	}
}

// watching reports whether a Watch is registered.
func (f *FileStore) watching() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchers > 0
}

func (f *FileStore) consume(id identity.Identity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.suppress[id]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(f.suppress, id)
	} else {
		f.suppress[id] = n - 1
	}
	return true
}
