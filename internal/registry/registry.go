package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// Pusher delivers a fresh ConfigPush to every session matching a durable
// key. Implemented by the subscriber hub.
type Pusher interface {
	PushConfigTo(key string, payload map[string]interface{}) int
}

// Entry pairs a durable key with its config for enumeration.
type Entry struct {
	Key    string       `json:"key"`
	Config ClientConfig `json:"config"`
}

// Registry is the client-config logic over the settings store.
type Registry struct {
	logger logging.Logger
	store  *Store
	pusher Pusher
}

// New creates a registry over a loaded store. The pusher is attached later
// with SetPusher once the hub exists.
func New(store *Store, logger logging.Logger) *Registry {
	return &Registry{logger: logger, store: store}
}

// SetPusher attaches the hub used to push merged configs.
func (r *Registry) SetPusher(p Pusher) {
	r.pusher = p
}

// Get returns a copy of the config for a key.
func (r *Registry) Get(key string) (*ClientConfig, bool) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cfg, ok := r.store.doc.ClientConfigs[key]
	if !ok {
		return nil, false
	}
	return cfg.clone(), true
}

// Enumerate lists every entry sorted by key.
func (r *Registry) Enumerate() []Entry {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make([]Entry, 0, len(r.store.doc.ClientConfigs))
	for key, cfg := range r.store.doc.ClientConfigs {
		out = append(out, Entry{Key: key, Config: *cfg.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Upsert merges a partial config into the entry for key, persists, and
// pushes the merged state to matching sessions. Field semantics: an absent
// field is left alone, an explicit JSON null clears it, customParams and
// assets merge by sub-key. Returns the merged config and the number of
// sessions notified.
func (r *Registry) Upsert(key string, partial []byte) (*ClientConfig, int, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(partial, &fields); err != nil {
		return nil, 0, fmt.Errorf("invalid config body: %w", err)
	}

	r.store.mu.Lock()
	cfg, ok := r.store.doc.ClientConfigs[key]
	if !ok {
		cfg = &ClientConfig{}
	}
	merged := cfg.clone()
	if err := applyPartial(merged, fields); err != nil {
		r.store.mu.Unlock()
		return nil, 0, err
	}
	r.store.doc.ClientConfigs[key] = merged
	err := r.store.saveLocked()
	result := merged.clone()
	r.store.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	notified := r.pushConfig(key)
	return result, notified, nil
}

// Delete removes the entry for key. Reports whether it existed.
func (r *Registry) Delete(key string) (bool, error) {
	r.store.mu.Lock()
	_, ok := r.store.doc.ClientConfigs[key]
	if ok {
		delete(r.store.doc.ClientConfigs, key)
	}
	var err error
	if ok {
		err = r.store.saveLocked()
	}
	r.store.mu.Unlock()
	if err != nil {
		return false, err
	}
	if ok {
		r.pushConfig(key)
	}
	return ok, nil
}

// SetLabel updates the admin label for key, creating the entry if absent.
func (r *Registry) SetLabel(key, label string) error {
	r.store.mu.Lock()
	cfg, ok := r.store.doc.ClientConfigs[key]
	if !ok {
		cfg = &ClientConfig{}
		r.store.doc.ClientConfigs[key] = cfg
	}
	if label == "" {
		cfg.Label = nil
	} else {
		cfg.Label = &label
	}
	err := r.store.saveLocked()
	r.store.mu.Unlock()
	return err
}

// TouchLastSeen stamps subscriber activity for key, creating a bare entry
// so the admin UI lists clients that have never been configured.
func (r *Registry) TouchLastSeen(key string) {
	if key == "" {
		return
	}
	now := time.Now().UTC()
	r.store.mu.Lock()
	cfg, ok := r.store.doc.ClientConfigs[key]
	if !ok {
		cfg = &ClientConfig{}
		r.store.doc.ClientConfigs[key] = cfg
	}
	cfg.LastSeen = &now
	err := r.store.saveLocked()
	r.store.mu.Unlock()
	if err != nil {
		r.logger.WithError(err).Warn("Failed to persist lastSeen")
	}
}

// ConfigPayload resolves the push payload for a connecting subscriber. The
// durable key is preferred; the remote IP is the fallback for scoreboards
// that never presented an identity token. Returns the payload, the key the
// lookup resolved to, and whether a configured entry was found.
func (r *Registry) ConfigPayload(durableKey, remoteIP string) (map[string]interface{}, string, bool) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	key := durableKey
	cfg, ok := r.store.doc.ClientConfigs[key]
	if (!ok || cfg.isEmpty()) && remoteIP != "" && remoteIP != durableKey {
		if fallback, fok := r.store.doc.ClientConfigs[remoteIP]; fok && !fallback.isEmpty() {
			key, cfg, ok = remoteIP, fallback, true
		}
	}
	if !ok || cfg.isEmpty() {
		return nil, key, false
	}
	return payloadLocked(cfg, r.store.doc.DefaultAssets), key, true
}

// PushConfig recomputes and pushes the config for key to matching
// sessions. Returns the number of sessions notified.
func (r *Registry) PushConfig(key string) int {
	return r.pushConfig(key)
}

func (r *Registry) pushConfig(key string) int {
	if r.pusher == nil {
		return 0
	}
	r.store.mu.Lock()
	cfg := r.store.doc.ClientConfigs[key]
	var payload map[string]interface{}
	if cfg != nil {
		payload = payloadLocked(cfg, r.store.doc.DefaultAssets)
	} else {
		payload = map[string]interface{}{}
	}
	r.store.mu.Unlock()
	return r.pusher.PushConfigTo(key, payload)
}

func (c *ClientConfig) isEmpty() bool {
	return c.LayoutType == nil && c.DisplayRows == nil && c.CustomTitle == nil &&
		c.RaceFilter == nil && c.ShowOnCourse == nil && c.ShowResults == nil &&
		len(c.CustomParams) == 0 && len(c.Assets) == 0
}

// payloadLocked builds the sparse ConfigPush payload: only set fields, the
// layout type under the wire key "type", and assets overlaid on the
// event-wide defaults. Caller holds the store lock.
func payloadLocked(cfg *ClientConfig, defaults map[string]string) map[string]interface{} {
	payload := map[string]interface{}{}
	if cfg.LayoutType != nil {
		payload["type"] = *cfg.LayoutType
	}
	if cfg.DisplayRows != nil {
		payload["displayRows"] = *cfg.DisplayRows
	}
	if cfg.CustomTitle != nil {
		payload["customTitle"] = *cfg.CustomTitle
	}
	if cfg.RaceFilter != nil {
		payload["raceFilter"] = append([]string(nil), cfg.RaceFilter...)
	}
	if cfg.ShowOnCourse != nil {
		payload["showOnCourse"] = *cfg.ShowOnCourse
	}
	if cfg.ShowResults != nil {
		payload["showResults"] = *cfg.ShowResults
	}
	if len(cfg.CustomParams) > 0 {
		params := make(map[string]interface{}, len(cfg.CustomParams))
		for k, v := range cfg.CustomParams {
			params[k] = v
		}
		payload["customParams"] = params
	}
	assets := make(map[string]string, len(defaults)+len(cfg.Assets))
	for k, v := range defaults {
		assets[k] = v
	}
	for k, v := range cfg.Assets {
		assets[k] = v
	}
	if len(assets) > 0 {
		payload["assets"] = assets
	}
	return payload
}

// applyPartial merges decoded fields into cfg in place.
func applyPartial(cfg *ClientConfig, fields map[string]json.RawMessage) error {
	for name, raw := range fields {
		isNull := string(raw) == "null"
		switch name {
		case "layoutType", "type":
			if isNull {
				cfg.LayoutType = nil
				continue
			}
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("layoutType must be a string")
			}
			if v != LayoutVertical && v != LayoutLedwall {
				return fmt.Errorf("layoutType must be %q or %q", LayoutVertical, LayoutLedwall)
			}
			cfg.LayoutType = &v
		case "displayRows":
			if isNull {
				cfg.DisplayRows = nil
				continue
			}
			var v int
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("displayRows must be an integer")
			}
			if v < MinDisplayRows || v > MaxDisplayRows {
				return fmt.Errorf("displayRows must be between %d and %d", MinDisplayRows, MaxDisplayRows)
			}
			cfg.DisplayRows = &v
		case "customTitle":
			if isNull {
				cfg.CustomTitle = nil
				continue
			}
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("customTitle must be a string")
			}
			cfg.CustomTitle = &v
		case "raceFilter":
			if isNull {
				cfg.RaceFilter = nil
				continue
			}
			var v []string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("raceFilter must be an array of race ids")
			}
			cfg.RaceFilter = v
		case "showOnCourse":
			if isNull {
				cfg.ShowOnCourse = nil
				continue
			}
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("showOnCourse must be a boolean")
			}
			cfg.ShowOnCourse = &v
		case "showResults":
			if isNull {
				cfg.ShowResults = nil
				continue
			}
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("showResults must be a boolean")
			}
			cfg.ShowResults = &v
		case "label":
			if isNull {
				cfg.Label = nil
				continue
			}
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("label must be a string")
			}
			cfg.Label = &v
		case "durableClientId":
			if isNull {
				cfg.DurableClientID = nil
				continue
			}
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("durableClientId must be a string")
			}
			cfg.DurableClientID = &v
		case "customParams":
			if isNull {
				cfg.CustomParams = nil
				continue
			}
			var v map[string]json.RawMessage
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("customParams must be an object")
			}
			if cfg.CustomParams == nil {
				cfg.CustomParams = make(map[string]interface{}, len(v))
			}
			for k, sub := range v {
				if string(sub) == "null" {
					delete(cfg.CustomParams, k)
					continue
				}
				var val interface{}
				if err := json.Unmarshal(sub, &val); err != nil {
					return fmt.Errorf("customParams.%s is invalid", k)
				}
				switch val.(type) {
				case string, float64, bool:
				default:
					return fmt.Errorf("customParams.%s must be a string, number or boolean", k)
				}
				cfg.CustomParams[k] = val
			}
		case "assets":
			if isNull {
				cfg.Assets = nil
				continue
			}
			var v map[string]json.RawMessage
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("assets must be an object")
			}
			if cfg.Assets == nil {
				cfg.Assets = make(map[string]string, len(v))
			}
			for k, sub := range v {
				if string(sub) == "null" {
					delete(cfg.Assets, k)
					continue
				}
				var val string
				if err := json.Unmarshal(sub, &val); err != nil {
					return fmt.Errorf("assets.%s must be a string", k)
				}
				cfg.Assets[k] = val
			}
		case "lastSeen":
			// Server-owned; ignored on input.
		default:
			// Unknown fields are tolerated for forward compatibility.
		}
	}
	return nil
}
