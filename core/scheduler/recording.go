package scheduler

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RecordingOptions configure a recording session.
type RecordingOptions struct {
	// OnlyWhenSquelchSatisfied gates the recorded bytes by the external
	// squelch: packets arriving while the squelch is not satisfied are not
	// written.
	OnlyWhenSquelchSatisfied bool
	// MaxDuration stops the session once this much time has elapsed since the
	// start. Zero means unlimited.
	MaxDuration time.Duration
	// MaxBytes stops the session once this many bytes were written. Zero
	// means unlimited.
	MaxBytes int64
	// OnStopped is called exactly once when the session terminates, with the
	// final byte count.
	OnStopped func(bytesWritten int64)
	// OnSizeUpdate is called after each written packet with the current byte count.
	OnSizeUpdate func(bytesWritten int64)
}

func newRecording(sink io.WriteCloser, options RecordingOptions) *Recording {
	return &Recording{
		sessionID: uuid.New().String(),
		sink:      sink,
		options:   options,
		started:   time.Now(),
	}
}

// Recording is one active recording session. It writes raw sample bytes to
// its sink synchronously on the scheduler thread and terminates when a
// configured limit is reached, on explicit stop, or on scheduler shutdown.
type Recording struct {
	sessionID string
	sink      io.WriteCloser
	options   RecordingOptions
	started   time.Time

	mutex        sync.Mutex
	bytesWritten int64
	finished     bool
}

// SessionID of this recording session.
func (r *Recording) SessionID() string {
	return r.sessionID
}

// BytesWritten returns the number of bytes written so far.
func (r *Recording) BytesWritten() int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.bytesWritten
}

// write appends the given raw bytes to the sink and enforces the session
// limits. It reports whether the session terminated. The mutex guards only
// the session state; sink I/O and the callbacks run outside it, so a callback
// may call back into the recording API without deadlocking the scheduler
// thread.
func (r *Recording) write(raw []byte, squelchSatisfied bool) (finished bool, err error) {
	r.mutex.Lock()
	if r.finished {
		r.mutex.Unlock()
		return true, nil
	}
	if r.options.MaxDuration > 0 && time.Since(r.started) >= r.options.MaxDuration {
		r.finished = true
		bytesWritten := r.bytesWritten
		r.mutex.Unlock()
		r.complete(nil, bytesWritten)
		return true, nil
	}
	if r.options.OnlyWhenSquelchSatisfied && !squelchSatisfied {
		r.mutex.Unlock()
		return false, nil
	}
	r.mutex.Unlock()

	// only the scheduler thread writes to the sink
	n, writeErr := r.sink.Write(raw)

	r.mutex.Lock()
	r.bytesWritten += int64(n)
	bytesWritten := r.bytesWritten
	reachedLimit := writeErr != nil || (r.options.MaxBytes > 0 && bytesWritten >= r.options.MaxBytes)
	completes := reachedLimit && !r.finished
	if completes {
		r.finished = true
	}
	r.mutex.Unlock()

	if r.options.OnSizeUpdate != nil {
		r.options.OnSizeUpdate(bytesWritten)
	}
	if writeErr != nil {
		if completes {
			r.complete(writeErr, bytesWritten)
		}
		return true, errors.Wrap(writeErr, "cannot write to recording sink")
	}
	if completes {
		r.complete(nil, bytesWritten)
		return true, nil
	}
	r.mutex.Lock()
	finished = r.finished
	r.mutex.Unlock()
	return finished, nil
}

// finish terminates the session exactly once: only the caller that flips the
// finished flag closes the sink and fires OnStopped.
func (r *Recording) finish(cause error) {
	r.mutex.Lock()
	if r.finished {
		r.mutex.Unlock()
		return
	}
	r.finished = true
	bytesWritten := r.bytesWritten
	r.mutex.Unlock()
	r.complete(cause, bytesWritten)
}

func (r *Recording) complete(cause error, bytesWritten int64) {
	if cause != nil {
		log.Printf("recording session %s terminated: %v", r.sessionID, cause)
	}
	r.sink.Close()
	if r.options.OnStopped != nil {
		r.options.OnStopped(bytesWritten)
	}
}
