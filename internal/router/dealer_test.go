package router

import (
	"testing"

	"github.com/wampgate/wampgate/pkg/wamp"
)

func addSession(d *Dealer, sid uint64) {
	d.AddSession(wamp.NewSessionDetails(sid, "io.test", "authid-x", "anonymous"))
}

// registerProcedure registers a procedure for sid and returns the
// registration id from the REGISTERED reply.
func registerProcedure(t *testing.T, d *Dealer, sid uint64, procedure string, options map[string]any) uint64 {
	t.Helper()
	out, err := d.ReceiveMessage(sid, &wamp.Register{Request: 1, Options: options,
		Procedure: wamp.URI(procedure)})
	if err != nil {
		t.Fatalf("REGISTER error = %v", err)
	}
	if len(out) != 1 || out[0].Recipient != sid {
		t.Fatalf("REGISTER reply = %+v, want one message to %d", out, sid)
	}
	registered, ok := out[0].Message.(*wamp.Registered)
	if !ok {
		t.Fatalf("REGISTER reply = %T, want REGISTERED", out[0].Message)
	}
	return registered.Registration
}

func TestDealerCallYieldFlow(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	addSession(d, 2)

	regID := registerProcedure(t, d, 2, "io.echo", nil)

	out, err := d.ReceiveMessage(1, &wamp.Call{Request: 10, Procedure: "io.echo",
		Args: []any{"hi"}, Kwargs: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("CALL error = %v", err)
	}
	if len(out) != 1 || out[0].Recipient != 2 {
		t.Fatalf("CALL routed to %+v, want callee 2", out)
	}
	inv := out[0].Message.(*wamp.Invocation)
	if inv.Registration != regID {
		t.Fatalf("invocation registration = %d, want %d", inv.Registration, regID)
	}
	if len(inv.Args) != 1 || inv.Kwargs["k"] != "v" {
		t.Fatalf("invocation payload lost: %+v", inv)
	}
	if d.InvocationsInFlight() != 1 {
		t.Fatalf("invocations in flight = %d, want 1", d.InvocationsInFlight())
	}

	out, err = d.ReceiveMessage(2, &wamp.Yield{Request: inv.Request, Args: []any{"hi"}})
	if err != nil {
		t.Fatalf("YIELD error = %v", err)
	}
	if len(out) != 1 || out[0].Recipient != 1 {
		t.Fatalf("YIELD routed to %+v, want caller 1", out)
	}
	result := out[0].Message.(*wamp.Result)
	if result.Request != 10 {
		t.Fatalf("result request = %d, want caller request 10", result.Request)
	}
	if d.InvocationsInFlight() != 0 {
		t.Fatalf("invocations in flight after YIELD = %d, want 0", d.InvocationsInFlight())
	}
}

func TestDealerNoSuchProcedure(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)

	out, err := d.ReceiveMessage(1, &wamp.Call{Request: 5, Procedure: "io.missing"})
	if err != nil {
		t.Fatalf("CALL error = %v", err)
	}
	if len(out) != 1 || out[0].Recipient != 1 {
		t.Fatalf("reply = %+v, want exactly one message to caller", out)
	}
	e := out[0].Message.(*wamp.Error)
	if e.MsgType != wamp.MsgCall || e.Request != 5 || e.URI != wamp.ErrNoSuchProcedure {
		t.Fatalf("error = %+v, want ERROR(CALL, 5, no_such_procedure)", e)
	}
}

func TestDealerSingleRejectsSecondRegister(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	addSession(d, 2)

	registerProcedure(t, d, 1, "io.solo", nil)

	out, err := d.ReceiveMessage(2, &wamp.Register{Request: 7, Procedure: "io.solo"})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := out[0].Message.(*wamp.Error)
	if !ok || e.URI != wamp.ErrProcedureAlreadyExists {
		t.Fatalf("second REGISTER reply = %+v, want procedure_already_exists", out[0].Message)
	}
}

func TestDealerRoundRobinDistribution(t *testing.T) {
	d := NewDealer()
	owners := []uint64{1, 2, 3}
	for _, sid := range owners {
		addSession(d, sid)
	}
	addSession(d, 9)

	options := map[string]any{"invoke": "roundrobin"}
	for _, sid := range owners {
		registerProcedure(t, d, sid, "io.rr", options)
	}

	counts := map[uint64]int{}
	for i := 0; i < 7; i++ {
		out, err := d.ReceiveMessage(9, &wamp.Call{Request: uint64(100 + i), Procedure: "io.rr"})
		if err != nil {
			t.Fatal(err)
		}
		counts[out[0].Recipient]++
	}
	if counts[1] != 3 || counts[2] != 2 || counts[3] != 2 {
		t.Fatalf("roundrobin distribution = %v, want 3/2/2 in registration order", counts)
	}
}

func TestDealerPolicyMismatchRejected(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	addSession(d, 2)

	registerProcedure(t, d, 1, "io.shared", map[string]any{"invoke": "roundrobin"})

	out, err := d.ReceiveMessage(2, &wamp.Register{Request: 2,
		Options: map[string]any{"invoke": "random"}, Procedure: "io.shared"})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := out[0].Message.(*wamp.Error)
	if !ok || e.URI != wamp.ErrProcedureAlreadyExists {
		t.Fatalf("mismatched policy reply = %+v, want procedure_already_exists", out[0].Message)
	}
}

func TestDealerMatchPrecedence(t *testing.T) {
	d := NewDealer()
	for sid := uint64(1); sid <= 3; sid++ {
		addSession(d, sid)
	}
	addSession(d, 9)

	registerProcedure(t, d, 1, "io.x.echo", nil)
	registerProcedure(t, d, 2, "io.x", map[string]any{"match": "prefix"})
	registerProcedure(t, d, 3, "io..echo", map[string]any{"match": "wildcard"})

	tests := []struct {
		name      string
		procedure string
		want      uint64
	}{
		{name: "exact wins", procedure: "io.x.echo", want: 1},
		{name: "prefix beats wildcard", procedure: "io.x.other", want: 2},
		{name: "wildcard only", procedure: "io.y.echo", want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := d.ReceiveMessage(9, &wamp.Call{Request: 1, Procedure: wamp.URI(tt.procedure)})
			if err != nil {
				t.Fatal(err)
			}
			if out[0].Recipient != tt.want {
				t.Fatalf("call %q routed to %d, want %d", tt.procedure, out[0].Recipient, tt.want)
			}
			// Settle the invocation so caller request ids can repeat.
			inv := out[0].Message.(*wamp.Invocation)
			if _, err := d.ReceiveMessage(tt.want, &wamp.Yield{Request: inv.Request}); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestDealerPrefixBoundary(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	addSession(d, 9)
	registerProcedure(t, d, 1, "com.x", map[string]any{"match": "prefix"})

	out, _ := d.ReceiveMessage(9, &wamp.Call{Request: 1, Procedure: "com.x.y"})
	if _, ok := out[0].Message.(*wamp.Invocation); !ok {
		t.Fatalf("com.x.y should match prefix com.x, got %T", out[0].Message)
	}

	out, _ = d.ReceiveMessage(9, &wamp.Call{Request: 2, Procedure: "com.xy"})
	e, ok := out[0].Message.(*wamp.Error)
	if !ok || e.URI != wamp.ErrNoSuchProcedure {
		t.Fatalf("com.xy must not match prefix com.x, got %+v", out[0].Message)
	}
}

func TestDealerProgressiveResults(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	addSession(d, 2)
	registerProcedure(t, d, 2, "io.stream", nil)

	out, err := d.ReceiveMessage(1, &wamp.Call{Request: 1, Procedure: "io.stream",
		Options: map[string]any{"receive_progress": true}})
	if err != nil {
		t.Fatal(err)
	}
	inv := out[0].Message.(*wamp.Invocation)
	if !inv.ReceiveProgress() {
		t.Fatal("invocation must carry receive_progress")
	}

	for i := 0; i < 3; i++ {
		out, err = d.ReceiveMessage(2, &wamp.Yield{Request: inv.Request,
			Options: map[string]any{"progress": true}, Args: []any{i}})
		if err != nil {
			t.Fatal(err)
		}
		result := out[0].Message.(*wamp.Result)
		if !result.Progress() {
			t.Fatal("forwarded result must carry progress")
		}
		if d.InvocationsInFlight() != 1 {
			t.Fatal("progressive yield must keep the invocation record")
		}
	}

	out, err = d.ReceiveMessage(2, &wamp.Yield{Request: inv.Request})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Message.(*wamp.Result).Progress() {
		t.Fatal("final result must not carry progress")
	}
	if d.InvocationsInFlight() != 0 {
		t.Fatal("final yield must erase the invocation record")
	}
}

func TestDealerCancelModes(t *testing.T) {
	tests := []struct {
		name          string
		mode          string
		wantInterrupt bool
	}{
		{name: "kill", mode: "kill", wantInterrupt: true},
		{name: "killnowait", mode: "killnowait", wantInterrupt: true},
		{name: "skip", mode: "skip", wantInterrupt: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDealer()
			addSession(d, 1)
			addSession(d, 2)
			registerProcedure(t, d, 2, "io.slow", nil)

			if _, err := d.ReceiveMessage(1, &wamp.Call{Request: 1, Procedure: "io.slow"}); err != nil {
				t.Fatal(err)
			}
			out, err := d.ReceiveMessage(1, &wamp.Cancel{Request: 1,
				Options: map[string]any{"mode": tt.mode}})
			if err != nil {
				t.Fatal(err)
			}

			var gotInterrupt, gotCanceled bool
			for _, mt := range out {
				switch m := mt.Message.(type) {
				case *wamp.Interrupt:
					gotInterrupt = mt.Recipient == 2
				case *wamp.Error:
					gotCanceled = mt.Recipient == 1 && m.URI == wamp.ErrCanceled &&
						m.MsgType == wamp.MsgCall && m.Request == 1
				}
			}
			if gotInterrupt != tt.wantInterrupt {
				t.Fatalf("interrupt sent = %v, want %v", gotInterrupt, tt.wantInterrupt)
			}
			if !gotCanceled {
				t.Fatal("caller must receive ERROR(canceled)")
			}
			if d.InvocationsInFlight() != 0 {
				t.Fatal("cancel must erase the invocation record")
			}

			// The callee's post-INTERRUPT replies race the erased record;
			// both are dead letters, never a violation against the callee.
			out, err = d.ReceiveMessage(2, &wamp.Yield{Request: 1})
			if err != nil || len(out) != 0 {
				t.Fatalf("late YIELD = (%+v, %v), want silent drop", out, err)
			}
			out, err = d.ReceiveMessage(2, &wamp.Error{
				MsgType: wamp.MsgInvocation, Request: 1, URI: wamp.ErrCanceled})
			if err != nil || len(out) != 0 {
				t.Fatalf("late ERROR = (%+v, %v), want silent drop", out, err)
			}
		})
	}
}

func TestDealerCancelUnknownCallIsNoop(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	out, err := d.ReceiveMessage(1, &wamp.Cancel{Request: 99})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("CANCEL of unknown call produced %+v, want nothing", out)
	}
}

func TestDealerRemoveSessionCancelsServedInvocations(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	addSession(d, 2)
	registerProcedure(t, d, 2, "io.slow", nil)

	if _, err := d.ReceiveMessage(1, &wamp.Call{Request: 4, Procedure: "io.slow"}); err != nil {
		t.Fatal(err)
	}

	out := d.RemoveSession(2)
	if len(out) != 1 || out[0].Recipient != 1 {
		t.Fatalf("RemoveSession output = %+v, want one canceled error to caller", out)
	}
	e := out[0].Message.(*wamp.Error)
	if e.URI != wamp.ErrCanceled || e.Request != 4 {
		t.Fatalf("error = %+v, want ERROR(CALL, 4, canceled)", e)
	}
	if d.InvocationsInFlight() != 0 {
		t.Fatal("dealer must forget the invocation")
	}
	if d.HasProcedure("io.slow") {
		t.Fatal("dealer must drop the leaver's registrations")
	}
}

func TestDealerUnregister(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	regID := registerProcedure(t, d, 1, "io.tmp", nil)

	out, err := d.ReceiveMessage(1, &wamp.Unregister{Request: 2, Registration: regID})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out[0].Message.(*wamp.Unregistered); !ok {
		t.Fatalf("UNREGISTER reply = %T, want UNREGISTERED", out[0].Message)
	}

	// Second unregister of the same handle.
	out, err = d.ReceiveMessage(1, &wamp.Unregister{Request: 3, Registration: regID})
	if err != nil {
		t.Fatal(err)
	}
	e, ok := out[0].Message.(*wamp.Error)
	if !ok || e.URI != wamp.ErrNoSuchRegistration {
		t.Fatalf("stale UNREGISTER reply = %+v, want no_such_registration", out[0].Message)
	}
}

func TestDealerRegisterValidation(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)

	tests := []struct {
		name    string
		msg     *wamp.Register
		wantURI wamp.URI
	}{
		{name: "invalid uri", msg: &wamp.Register{Request: 1, Procedure: "io..bad"},
			wantURI: wamp.ErrInvalidURI},
		{name: "bogus match", msg: &wamp.Register{Request: 2, Procedure: "io.ok",
			Options: map[string]any{"match": "glob"}}, wantURI: wamp.ErrInvalidURI},
		{name: "bogus invoke", msg: &wamp.Register{Request: 3, Procedure: "io.ok",
			Options: map[string]any{"invoke": "fanout"}}, wantURI: wamp.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := d.ReceiveMessage(1, tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			e, ok := out[0].Message.(*wamp.Error)
			if !ok || e.URI != tt.wantURI {
				t.Fatalf("reply = %+v, want ERROR %s", out[0].Message, tt.wantURI)
			}
		})
	}
}

func TestDealerDiscloseCaller(t *testing.T) {
	d := NewDealer()
	d.AddSession(wamp.NewSessionDetails(1, "io.test", "alice", "admin"))
	addSession(d, 2)
	registerProcedure(t, d, 2, "io.who", nil)

	out, err := d.ReceiveMessage(1, &wamp.Call{Request: 1, Procedure: "io.who",
		Options: map[string]any{"disclose_me": true}})
	if err != nil {
		t.Fatal(err)
	}
	inv := out[0].Message.(*wamp.Invocation)
	if inv.Details["caller"] != uint64(1) ||
		inv.Details["caller_authid"] != "alice" ||
		inv.Details["caller_authrole"] != "admin" {
		t.Fatalf("disclosure details = %+v", inv.Details)
	}
}

func TestDealerInvocationErrorForwarded(t *testing.T) {
	d := NewDealer()
	addSession(d, 1)
	addSession(d, 2)
	registerProcedure(t, d, 2, "io.fail", nil)

	out, err := d.ReceiveMessage(1, &wamp.Call{Request: 8, Procedure: "io.fail"})
	if err != nil {
		t.Fatal(err)
	}
	inv := out[0].Message.(*wamp.Invocation)

	out, err = d.ReceiveMessage(2, &wamp.Error{MsgType: wamp.MsgInvocation,
		Request: inv.Request, URI: wamp.ErrRuntimeError, Args: []any{"boom"}})
	if err != nil {
		t.Fatal(err)
	}
	e := out[0].Message.(*wamp.Error)
	if e.MsgType != wamp.MsgCall || e.Request != 8 || e.URI != wamp.ErrRuntimeError {
		t.Fatalf("forwarded error = %+v", e)
	}
	if d.InvocationsInFlight() != 0 {
		t.Fatal("invocation error must erase the record")
	}
}
