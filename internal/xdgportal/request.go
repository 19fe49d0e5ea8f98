package xdgportal

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

// Response is the body of a Request.Response signal.
type Response struct {
	Status  ResponseStatus
	Results map[string]dbus.Variant
	Err     error
}

// Request tracks one in-flight portal request until its Response arrives.
type Request struct {
	Path dbus.ObjectPath

	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan Response

	stopOnce sync.Once
	stop     chan struct{}
}

func (p *Portal) watchRequest(path dbus.ObjectPath) (*Request, error) {
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(requestInterface),
		dbus.WithMatchMember(responseMember),
	); err != nil {
		return nil, err
	}

	r := &Request{
		Path:    path,
		conn:    p.conn,
		signals: make(chan *dbus.Signal, 8),
		done:    make(chan Response, 1),
		stop:    make(chan struct{}),
	}
	p.conn.Signal(r.signals)
	go r.wait()
	return r, nil
}

func (r *Request) wait() {
	defer r.unsubscribe()

	for {
		select {
		case <-r.stop:
			return
		case sig, ok := <-r.signals:
			if !ok {
				r.done <- Response{Status: Ended, Err: ErrUnexpectedResponse}
				return
			}
			if sig == nil || sig.Path != r.Path || sig.Name != requestInterface+"."+responseMember {
				continue
			}
			r.done <- parseResponse(sig)
			return
		}
	}
}

func parseResponse(sig *dbus.Signal) Response {
	if len(sig.Body) != 2 {
		return Response{Status: Ended, Err: ErrUnexpectedResponse}
	}
	status, ok := sig.Body[0].(uint32)
	if !ok {
		return Response{Status: Ended, Err: fmt.Errorf("%w: status type %T", ErrUnexpectedResponse, sig.Body[0])}
	}
	results, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Response{Status: Ended, Err: fmt.Errorf("%w: results type %T", ErrUnexpectedResponse, sig.Body[1])}
	}
	return Response{Status: status, Results: results}
}

func (r *Request) unsubscribe() {
	r.conn.RemoveSignal(r.signals)
	_ = r.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(r.Path),
		dbus.WithMatchInterface(requestInterface),
		dbus.WithMatchMember(responseMember),
	)
}

// Done delivers exactly one Response.
func (r *Request) Done() <-chan Response {
	return r.done
}

// Close abandons the request on the portal side and stops watching it.
func (r *Request) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stop)
		err = r.conn.Object(ObjectName, r.Path).Call(requestCloseName, 0).Err
	})
	return err
}

func (r *Request) release() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}
