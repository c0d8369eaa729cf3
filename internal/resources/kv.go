package resources

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/server"
)

// KVPath is the path prefix of the key-value store.
const KVPath = "kv"

// DefaultMaxValueSize bounds a stored value.
const DefaultMaxValueSize = 1024

// Notifier queues Observe notifications for a path. *server.Server
// implements it.
type Notifier interface {
	Notify(service, path string) error
}

var _ Notifier = (*server.Server)(nil)

// kvValue is one stored representation.
type kvValue struct {
	data   []byte
	format message.MediaType
}

// KV is an in-memory key-value store exposed as /kv/<key>.
//
//	GET    /kv        link-format list of keys
//	GET    /kv/<key>  value (observable)
//	PUT    /kv/<key>  create (2.01) or replace (2.04)
//	POST   /kv/<key>  same as PUT
//	DELETE /kv/<key>  remove (2.02)
//
// Every change notifies the observers of the key. Deleting a key ends its
// observations with a 4.04 notification.
type KV struct {
	mu       sync.RWMutex
	values   map[string]kvValue
	maxValue int

	notifier Notifier
	logger   *slog.Logger
}

// KVOption configures a KV.
type KVOption func(*KV)

// WithMaxValueSize overrides DefaultMaxValueSize.
func WithMaxValueSize(n int) KVOption {
	return func(kv *KV) {
		if n > 0 {
			kv.maxValue = n
		}
	}
}

// NewKV creates an empty store. A nil notifier disables notifications.
func NewKV(notifier Notifier, logger *slog.Logger, opts ...KVOption) *KV {
	kv := &KV{
		values:   make(map[string]kvValue),
		maxValue: DefaultMaxValueSize,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "resources.kv")),
	}
	for _, opt := range opts {
		opt(kv)
	}
	return kv
}

// Resource returns the router entry of the store.
func (kv *KV) Resource() server.Resource {
	return server.Resource{
		Path:       KVPath,
		Prefix:     true,
		Observable: true,
		Attributes: []string{`rt="gocoap.kv"`, "ct=40"},
		Handler:    kv,
	}
}

// Len returns the number of stored keys.
func (kv *KV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.values)
}

// ServeCoAP implements server.Handler.
func (kv *KV) ServeCoAP(req *server.Request) (*server.Response, error) {
	key, _ := strings.CutPrefix(strings.TrimPrefix(req.Path, KVPath), "/")

	if key == "" {
		if req.Message.Code != codes.GET {
			return nil, fmt.Errorf("%s /%s: %w", coap.MethodName(req.Message.Code), req.Path, server.ErrMethodNotAllowed)
		}
		return kv.list(), nil
	}

	switch req.Message.Code {
	case codes.GET, coap.MethodFETCH:
		return kv.get(key)
	case codes.PUT, codes.POST:
		return kv.put(req, key)
	case codes.DELETE:
		return kv.remove(req, key)
	default:
		return nil, fmt.Errorf("%s /%s: %w", coap.MethodName(req.Message.Code), req.Path, server.ErrMethodNotAllowed)
	}
}

func (kv *KV) list() *server.Response {
	kv.mu.RLock()
	keys := slices.Sorted(maps.Keys(kv.values))
	kv.mu.RUnlock()

	links := make([]coap.Link, 0, len(keys))
	for _, k := range keys {
		links = append(links, coap.Link{Path: KVPath + "/" + k})
	}
	return server.Content(message.AppLinkFormat, coap.AppendLinkFormat(nil, links))
}

func (kv *KV) get(key string) (*server.Response, error) {
	kv.mu.RLock()
	v, ok := kv.values[key]
	kv.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, server.ErrNotFound)
	}
	return server.Content(v.format, bytes.Clone(v.data)), nil
}

func (kv *KV) put(req *server.Request, key string) (*server.Response, error) {
	if len(req.Message.Payload) > kv.maxValue {
		resp := &server.Response{Code: codes.RequestEntityTooLarge}
		resp.Options = message.Options{{ID: message.Size1, Value: coap.EncodeUint(uint32(kv.maxValue))}}
		return resp, nil
	}

	format := message.TextPlain
	if cf, err := req.Message.Uint(message.ContentFormat); err == nil {
		format = message.MediaType(cf)
	} else if !errors.Is(err, coap.ErrOptionNotFound) {
		return nil, fmt.Errorf("content-format: %w", server.ErrBadRequest)
	}

	kv.mu.Lock()
	_, existed := kv.values[key]
	kv.values[key] = kvValue{data: bytes.Clone(req.Message.Payload), format: format}
	kv.mu.Unlock()

	kv.changed(req.Service, key)

	if !existed {
		return &server.Response{Code: codes.Created}, nil
	}
	return &server.Response{Code: codes.Changed}, nil
}

func (kv *KV) remove(req *server.Request, key string) (*server.Response, error) {
	kv.mu.Lock()
	_, ok := kv.values[key]
	delete(kv.values, key)
	kv.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, server.ErrNotFound)
	}

	kv.changed(req.Service, key)
	return &server.Response{Code: codes.Deleted}, nil
}

// changed queues a notification of the key observers.
func (kv *KV) changed(service, key string) {
	if kv.notifier == nil || service == "" {
		return
	}
	if err := kv.notifier.Notify(service, KVPath+"/"+key); err != nil {
		kv.logger.Warn("notification not queued",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
