package server

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/rkusa/dcs-jsonrpc/codec"
	"github.com/rkusa/dcs-jsonrpc/message"
	"github.com/rkusa/dcs-jsonrpc/protocol"
)

type methodType struct {
	rcvr      reflect.Value
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// Router is a host handler built from the methods of registered receivers.
//
// Every exported method of the form
//
//	func (t *T) MethodName(args *A, reply *R) error
//
// becomes callable as "methodName". The params of a call are decoded into a
// fresh A, and the filled R is the result.
type Router struct {
	codec   codec.Codec
	methods map[string]*methodType
}

// NewRouter creates an empty Router that decodes params with c (codec.Default
// if nil).
func NewRouter(c codec.Codec) *Router {
	if c == nil {
		c = codec.Default
	}
	return &Router{codec: c, methods: make(map[string]*methodType)}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Register adds the RPC methods of rcvr, which must be a pointer to a struct.
func (r *Router) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)

	found := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		// (receiver, *Args, *Reply) error
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		name := lowerFirst(method.Name)
		if _, ok := r.methods[name]; ok {
			return fmt.Errorf("rpc: method %s already registered", name)
		}
		found[name] = &methodType{
			rcvr:      val,
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
	if len(found) == 0 {
		return fmt.Errorf("rpc: %s has no suitable methods", typ.Elem().Name())
	}
	for name, m := range found {
		r.methods[name] = m
	}
	return nil
}

// Methods returns the callable method names, sorted.
func (r *Router) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle dispatches call to the registered method. It has the signature of
// middleware.HandlerFunc.
func (r *Router) Handle(ctx context.Context, call *message.Call) *message.Outcome {
	m, ok := r.methods[call.Method]
	if !ok {
		return message.Failure(protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", call.Method))
	}

	argv := reflect.New(m.ArgType)
	replyv := reflect.New(m.ReplyType)
	if err := r.codec.Decode(call.Params, argv.Interface()); err != nil {
		return message.Failure(protocol.Errorf(protocol.CodeInvalidParams, "invalid params for %s: %v", call.Method, err))
	}

	results := m.method.Func.Call([]reflect.Value{m.rcvr, argv, replyv})
	if errv := results[0]; !errv.IsNil() {
		return message.Failure(errv.Interface().(error))
	}
	return message.Result(replyv.Interface())
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
