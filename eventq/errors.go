package eventq

import "fmt"

// PanicError 包装排队任务中 recover 到的 panic
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("eventq: task panicked: %v", e.Value)
}

// Unwrap 在 panic 值本身是 error 时返回它
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
