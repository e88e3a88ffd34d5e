package step

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Envelope is the on-disk shape of a persisted Step (§3): a registry tag
// identifying the concrete type, a schema version for that type, and the
// type's own JSON-encoded fields.
type Envelope struct {
	Tag     string          `json:"tag"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Decoder rehydrates a Step from a version and its raw payload. A Step
// implementation registers one Decoder per Tag it owns; the Decoder itself
// is responsible for handling any prior schema versions it still supports.
type Decoder func(version int, payload json.RawMessage) (Step, error)

// Registry maps a persisted tag to the Decoder that can rebuild it. It is
// process-wide and populated by init() in each package that defines Steps,
// mirroring how the source's table operation classes register themselves
// with the serialization framework by simply existing on the classpath.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// DefaultRegistry is the process-wide registry consulted by the store when
// deserializing a persisted stack. Step packages call Register in an init
// function against this instance.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register installs the decoder for tag, current schema version. It panics
// on a duplicate tag, since that indicates two Step types colliding on the
// same wire identity, a programming error caught at process start.
func (r *Registry) Register(tag string, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[tag]; exists {
		panic(fmt.Sprintf("step: duplicate registry tag %q", tag))
	}
	r.decoders[tag] = dec
}

// Encode wraps a Step into its persistable Envelope.
func (r *Registry) Encode(s Step, version int) (Envelope, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return Envelope{}, fmt.Errorf("step: encode %s: %w", TagOf(s), err)
	}
	return Envelope{Tag: TagOf(s), Version: version, Payload: payload}, nil
}

// Decode rebuilds a Step from its Envelope.
func (r *Registry) Decode(env Envelope) (Step, error) {
	r.mu.RLock()
	dec, ok := r.decoders[env.Tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("step: no decoder registered for tag %q", env.Tag)
	}
	s, err := dec(env.Version, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("step: decode %s: %w", env.Tag, err)
	}
	return s, nil
}

// MarshalStack and UnmarshalStack convert a LIFO stack of Steps to and from
// their wire representation, used by core/fate/store when persisting a
// transaction's step stack (§3, §4.1).
func (r *Registry) MarshalStack(stack []Step, version int) ([]byte, error) {
	envs := make([]Envelope, len(stack))
	for i, s := range stack {
		env, err := r.Encode(s, version)
		if err != nil {
			return nil, err
		}
		envs[i] = env
	}
	return json.Marshal(envs)
}

func (r *Registry) UnmarshalStack(data []byte) ([]Step, error) {
	var envs []Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("step: unmarshal stack: %w", err)
	}
	stack := make([]Step, len(envs))
	for i, env := range envs {
		s, err := r.Decode(env)
		if err != nil {
			return nil, err
		}
		stack[i] = s
	}
	return stack, nil
}
