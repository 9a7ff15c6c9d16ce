package serialization

import (
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Registry maps codec names to codecs
type Registry struct {
	codecs map[string]Codec
	mu     sync.RWMutex
}

// NewRegistry creates an empty codec registry
func NewRegistry() *Registry {
	return &Registry{
		codecs: make(map[string]Codec),
	}
}

// NewDefaultRegistry creates a registry holding the built-in codecs
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()

	jsonCodec := NewJSONCodec()
	cborCodec, err := NewCBORCodec()
	if err != nil {
		return nil, err
	}

	codecs := []Codec{jsonCodec, cborCodec}
	for _, inner := range []Codec{jsonCodec, cborCodec} {
		compressed, err := NewCompressedCodec(inner, zstd.SpeedDefault, DefaultMaxDecodedSize)
		if err != nil {
			return nil, err
		}
		codecs = append(codecs, compressed)
	}

	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a codec under its name
func (r *Registry) Register(codec Codec) error {
	if codec == nil {
		return fmt.Errorf("codec cannot be nil")
	}
	name := codec.Name()
	if name == "" {
		return fmt.Errorf("codec name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.codecs[name]; exists && existing != codec {
		return fmt.Errorf("codec %s already registered", name)
	}
	r.codecs[name] = codec
	return nil
}

// Get returns the codec registered under name
func (r *Registry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, exists := r.codecs[name]
	if !exists {
		return nil, fmt.Errorf("codec %s not registered", name)
	}
	return codec, nil
}

// IsRegistered checks if a codec name is known
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.codecs[name]
	return exists
}

// Names returns the registered codec names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a codec name against the built-in codecs
func Lookup(name string) (Codec, error) {
	r, err := NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	return r.Get(name)
}
