package queue

// ResponseDelivery posts parsed responses and errors back to the caller on
// a designated executor.
type ResponseDelivery interface {
	// PostResponse delivers resp for req. Optional andThen callbacks run
	// on the executor after the delivery task, finish included.
	PostResponse(req *Request, resp *Response, andThen ...func())

	// PostError delivers a terminal error for req.
	PostError(req *Request, err error)
}

// ExecutorDelivery implements ResponseDelivery over an Executor. Tasks are
// submitted in call order and the executor preserves that order, so an
// intermediate response is always observed before its final follow-up.
type ExecutorDelivery struct {
	executor Executor
}

// NewExecutorDelivery wraps an executor.
func NewExecutorDelivery(executor Executor) *ExecutorDelivery {
	return &ExecutorDelivery{executor: executor}
}

func (d *ExecutorDelivery) PostResponse(req *Request, resp *Response, andThen ...func()) {
	req.markDelivered()
	d.executor.Execute(func() {
		deliver(req, resp)
		for _, fn := range andThen {
			fn()
		}
	})
}

func (d *ExecutorDelivery) PostError(req *Request, err error) {
	resp := NewErrorResponse(err)
	d.executor.Execute(func() {
		deliver(req, resp)
	})
}

// deliver runs on the delivery executor.
func deliver(req *Request, resp *Response) {
	// A cancel observed here suppresses all user callbacks; only the
	// terminal no-op finish marker remains.
	if req.IsCanceled() {
		req.finish("canceled-at-delivery")
		return
	}

	if resp.IsSuccess() {
		req.deliverResponse(resp.Value)
	} else {
		req.deliverError(resp.Err)
	}

	if !resp.Intermediate {
		req.finish("done")
	}
}
