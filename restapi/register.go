// Package restapi surfaces a glassdb database over HTTP with gin: key reads,
// writes and deletes in collections, multi-key transactions, stats and
// on-demand garbage collection.
package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates supported HTTP operations.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// GET_ONE retrieves a single resource.
	GET_ONE
	// DELETE removes resources.
	DELETE
	// POST creates resources.
	POST
	// PUT replaces resources.
	PUT
	// PATCH partially updates resources.
	PATCH
)

// RestMethod describes a REST route handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
}

// Registry collects the REST methods before they are mounted on a router.
type Registry struct {
	restMethods map[string]RestMethod
	order       []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{restMethods: make(map[string]RestMethod)}
}

// RegisterMethod builds a RestMethod and registers it using Register.
func (r *Registry) RegisterMethod(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	m := RestMethod{
		Verb:    verb,
		Path:    path,
		Handler: h,
	}
	return r.Register(m)
}

// Register inserts a RestMethod into the registry preventing duplicates.
func (r *Registry) Register(m RestMethod) error {
	key := fmt.Sprintf("%d_%s", m.Verb, m.Path)
	if _, exists := r.restMethods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	r.restMethods[key] = m
	r.order = append(r.order, key)
	return nil
}

// RestMethods returns all registered RestMethod entries keyed by verb+path.
func (r *Registry) RestMethods() map[string]RestMethod {
	return r.restMethods
}

// Mount adds every registered method to group, in registration order, each
// handler wrapped by wrap when it is not nil.
func (r *Registry) Mount(group *gin.RouterGroup, wrap func(gin.HandlerFunc) gin.HandlerFunc) {
	for _, key := range r.order {
		rm := r.restMethods[key]
		h := gin.HandlerFunc(rm.Handler)
		if wrap != nil {
			h = wrap(h)
		}
		switch rm.Verb {
		case GET:
			fallthrough
		case GET_ONE:
			group.GET(rm.Path, h)
		case DELETE:
			group.DELETE(rm.Path, h)
		case POST:
			group.POST(rm.Path, h)
		case PUT:
			group.PUT(rm.Path, h)
		case PATCH:
			group.PATCH(rm.Path, h)
		default:
			panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
		}
	}
}
