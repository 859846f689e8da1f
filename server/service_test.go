package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rkusa/dcs-jsonrpc/message"
	"github.com/rkusa/dcs-jsonrpc/protocol"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Not an RPC method: wrong signature.
func (a *Arith) Helper() int { return 0 }

func TestRouterRegister(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(&Arith{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	methods := r.Methods()
	if len(methods) != 2 || methods[0] != "add" || methods[1] != "div" {
		t.Fatalf("expect [add div], got %v", methods)
	}

	if err := r.Register(&Arith{}); err == nil {
		t.Fatal("expect duplicate registration to fail")
	}
	if err := r.Register(Arith{}); err == nil {
		t.Fatal("expect non-pointer receiver to fail")
	}
}

func TestRouterHandle(t *testing.T) {
	r := NewRouter(nil)
	r.Register(&Arith{})

	outcome := r.Handle(context.Background(), &message.Call{Method: "add", Params: json.RawMessage(`{"A":1,"B":2}`)})
	if outcome.Failed() {
		t.Fatalf("add failed: %v", outcome.Err)
	}
	if reply := outcome.Result.(*Reply); reply.Result != 3 {
		t.Fatalf("expect 3, got %d", reply.Result)
	}

	outcome = r.Handle(context.Background(), &message.Call{Method: "div", Params: json.RawMessage(`{"A":1,"B":0}`)})
	if !outcome.Failed() || outcome.Err.Error() != "divide by zero" {
		t.Fatalf("expect application error, got %+v", outcome)
	}
}

func TestRouterErrors(t *testing.T) {
	r := NewRouter(nil)
	r.Register(&Arith{})

	tests := []struct {
		name string
		call *message.Call
		code int
	}{
		{"unknown method", &message.Call{Method: "mul"}, protocol.CodeMethodNotFound},
		{"bad params", &message.Call{Method: "add", Params: json.RawMessage(`[1,2]`)}, protocol.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := r.Handle(context.Background(), tt.call)
			var rpcErr *protocol.Error
			if !errors.As(outcome.Err, &rpcErr) || rpcErr.Code != tt.code {
				t.Fatalf("expect code %d, got %v", tt.code, outcome.Err)
			}
		})
	}
}

func TestRouterNullParams(t *testing.T) {
	r := NewRouter(nil)
	r.Register(&Arith{})

	outcome := r.Handle(context.Background(), &message.Call{Method: "add"})
	if outcome.Failed() {
		t.Fatalf("missing params must decode to zero args: %v", outcome.Err)
	}
	if reply := outcome.Result.(*Reply); reply.Result != 0 {
		t.Fatalf("expect 0, got %d", reply.Result)
	}
}

func TestRouterThroughServer(t *testing.T) {
	svr := startServer(t)
	r := NewRouter(nil)
	r.Register(&Arith{})
	c := dial(t, svr)

	c.send(t, `{"jsonrpc":"2.0","method":"add","params":{"A":20,"B":22},"id":1}`)
	if err := pollUntil(t, svr, r.Handle); err != nil {
		t.Fatal(err)
	}
	if got, want := c.readLine(t), `{"jsonrpc":"2.0","result":{"Result":42},"id":1}`; got != want {
		t.Fatalf("expect %s, got %s", want, got)
	}
}
