package launchenv

// Dispatcher sends requests without waiting for their replies.
type Dispatcher interface {
	Submit(req Request) Pending
}

// Pending is an in-flight request.
//
// OnResolved registers fn, which is invoked exactly once when the request
// completes, with nil on success or the remote/transport error. fn may run
// on any goroutine, including synchronously inside OnResolved when the
// request has already resolved.
type Pending interface {
	OnResolved(fn func(err error))
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(req Request) Pending

func (f DispatcherFunc) Submit(req Request) Pending { return f(req) }

// ResolvedPending returns a Pending that has already resolved with err.
func ResolvedPending(err error) Pending { return resolved{err: err} }

type resolved struct{ err error }

func (r resolved) OnResolved(fn func(err error)) {
	if fn != nil {
		fn(r.err)
	}
}
