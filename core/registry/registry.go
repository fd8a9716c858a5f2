// Package registry keeps the set of running device pipelines. It starts and
// stops pipelines, tracks which one is the active device, and routes recording
// commands to individual pipelines or to all of them. One pipeline's failure
// or teardown never disturbs the others.
package registry

import (
	"io"
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ftl/affogato/core"
	"github.com/ftl/affogato/core/audio"
	"github.com/ftl/affogato/core/scheduler"
	"github.com/ftl/affogato/core/source"
)

// SourceOpener creates the source adapter for a device.
type SourceOpener func(sourceType source.Type, id string) (source.Adapter, error)

// RecordingSinkOpener creates the sink a recording session writes to. The id
// keys the sink to its device, so simultaneous recordings never mix.
type RecordingSinkOpener func(id string) (io.WriteCloser, error)

// AudioSinkOpener creates the audio sink of a device's demodulator.
type AudioSinkOpener func(id string) (audio.Sink, error)

// DeviceStateChanged is called when the active device changes or is retuned.
type DeviceStateChanged func(core.DeviceState)

// RunningChanged is called when the first pipeline comes up or the last one goes away.
type RunningChanged func(bool)

// PipelineError is called once per failed pipeline, before its teardown.
type PipelineError func(id string, err error)

// New returns an empty registry. A nil audio sink opener falls back to the
// null sink.
func New(config core.Configuration, openSource SourceOpener, openRecordingSink RecordingSinkOpener, openAudioSink AudioSinkOpener) *Registry {
	if openAudioSink == nil {
		openAudioSink = func(string) (audio.Sink, error) { return audio.NullSink{}, nil }
	}
	return &Registry{
		config:            config,
		openSource:        openSource,
		openRecordingSink: openRecordingSink,
		openAudioSink:     openAudioSink,
		pipelines:         make(map[string]*Pipeline),
	}
}

// Registry owns all running pipelines. All mutation of the pipeline set and
// the active id happens under one mutex; the pipelines' worker threads never
// touch it.
type Registry struct {
	config            core.Configuration
	openSource        SourceOpener
	openRecordingSink RecordingSinkOpener
	openAudioSink     AudioSinkOpener

	mutex     sync.Mutex
	pipelines map[string]*Pipeline
	activeID  string
	running   bool

	deviceStateCallbacks []DeviceStateChanged
	runningCallbacks     []RunningChanged
	errorCallbacks       []PipelineError
}

// OnDeviceStateChanged registers the given callback.
func (r *Registry) OnDeviceStateChanged(callback DeviceStateChanged) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.deviceStateCallbacks = append(r.deviceStateCallbacks, callback)
}

// OnRunningChanged registers the given callback.
func (r *Registry) OnRunningChanged(callback RunningChanged) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.runningCallbacks = append(r.runningCallbacks, callback)
}

// OnPipelineError registers the given callback.
func (r *Registry) OnPipelineError(callback PipelineError) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.errorCallbacks = append(r.errorCallbacks, callback)
}

// Running indicates whether at least one pipeline is up.
func (r *Registry) Running() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.running
}

// IDs returns the ids of all registered pipelines in sorted order.
func (r *Registry) IDs() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.sortedIDs()
}

func (r *Registry) sortedIDs() []string {
	result := make([]string, 0, len(r.pipelines))
	for id := range r.pipelines {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Pipeline returns the pipeline with the given id.
func (r *Registry) Pipeline(id string) (*Pipeline, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	result, ok := r.pipelines[id]
	return result, ok
}

// ActivePipeline returns the currently active pipeline.
func (r *Registry) ActivePipeline() (*Pipeline, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	result, ok := r.pipelines[r.activeID]
	return result, ok
}

// Start brings up the pipeline for the given device. Starting an id that is
// already registered is a no-op. Opening may complete asynchronously; the
// pipeline becomes active and countable only when its source reports ready.
// The first pipeline that comes up becomes the active one.
func (r *Registry) Start(sourceType source.Type, id string) error {
	r.mutex.Lock()
	if _, ok := r.pipelines[id]; ok {
		r.mutex.Unlock()
		return nil
	}

	audioSink, err := r.openAudioSink(id)
	if err != nil {
		r.mutex.Unlock()
		return errors.Wrapf(err, "cannot open audio sink for %s", id)
	}
	src, err := r.openSource(sourceType, id)
	if err != nil {
		r.mutex.Unlock()
		audioSink.Close()
		return errors.Wrapf(err, "cannot open %s source for %s", sourceType, id)
	}

	pipeline := newPipeline(id, sourceType, src, r.config, audioSink)
	pipeline.Scheduler.OnFatalError(func(err error) {
		go r.pipelineFailed(id, err)
	})
	r.pipelines[id] = pipeline
	r.mutex.Unlock()

	err = src.Open(
		func() { r.pipelineReady(id) },
		func(err error) { go r.pipelineFailed(id, err) },
	)
	if err != nil {
		r.mutex.Lock()
		delete(r.pipelines, id)
		r.mutex.Unlock()
		src.Close()
		audioSink.Close()
		return errors.Wrapf(err, "cannot open %s source for %s", sourceType, id)
	}
	return nil
}

func (r *Registry) pipelineReady(id string) {
	r.mutex.Lock()
	pipeline, ok := r.pipelines[id]
	if !ok || pipeline.ready {
		r.mutex.Unlock()
		return
	}

	err := pipeline.start()
	if err != nil {
		delete(r.pipelines, id)
		errorCallbacks := r.errorCallbacks
		r.mutex.Unlock()
		log.Printf("pipeline %s did not start: %v", id, err)
		for _, callback := range errorCallbacks {
			callback(id, err)
		}
		pipeline.Source.Close()
		pipeline.audioSink.Close()
		return
	}

	pipeline.ready = true
	becameActive := r.activeID == ""
	if becameActive {
		r.activeID = id
	}
	becameRunning := !r.running
	r.running = true
	state := pipeline.DeviceState()
	deviceStateCallbacks := r.deviceStateCallbacks
	runningCallbacks := r.runningCallbacks
	r.mutex.Unlock()

	log.Printf("pipeline %s up: %s", id, state.Name)
	if becameRunning {
		for _, callback := range runningCallbacks {
			callback(true)
		}
	}
	if becameActive {
		for _, callback := range deviceStateCallbacks {
			callback(state)
		}
	}
}

func (r *Registry) pipelineFailed(id string, err error) {
	r.mutex.Lock()
	_, ok := r.pipelines[id]
	errorCallbacks := r.errorCallbacks
	r.mutex.Unlock()
	if !ok {
		return
	}

	log.Printf("pipeline %s failed: %v", id, err)
	for _, callback := range errorCallbacks {
		callback(id, err)
	}
	r.Stop(id)
}

// Stop takes down the pipeline with the given id and releases its device.
// Stopping an unknown id is a no-op. If the stopped pipeline was the active
// one, the first remaining id in sorted order becomes active; stopping the
// last pipeline clears the active device and flips the running state.
func (r *Registry) Stop(id string) {
	r.mutex.Lock()
	pipeline, ok := r.pipelines[id]
	if !ok {
		r.mutex.Unlock()
		return
	}
	delete(r.pipelines, id)

	var newActive *Pipeline
	activeChanged := false
	if r.activeID == id {
		activeChanged = true
		r.activeID = ""
		remaining := r.sortedIDs()
		for _, candidate := range remaining {
			if r.pipelines[candidate].ready {
				r.activeID = candidate
				newActive = r.pipelines[candidate]
				break
			}
		}
	}
	stoppedRunning := false
	if len(r.pipelines) == 0 && r.running {
		r.running = false
		stoppedRunning = true
	}
	deviceStateCallbacks := r.deviceStateCallbacks
	runningCallbacks := r.runningCallbacks
	r.mutex.Unlock()

	if pipeline.ready {
		pipeline.stop()
	} else {
		pipeline.Source.Close()
		pipeline.audioSink.Close()
	}
	log.Printf("pipeline %s down", id)

	if activeChanged && newActive != nil {
		state := newActive.DeviceState()
		for _, callback := range deviceStateCallbacks {
			callback(state)
		}
	}
	if stoppedRunning {
		for _, callback := range runningCallbacks {
			callback(false)
		}
	}
}

// SetActive makes the pipeline with the given id the active device and
// republishes its device state. An unknown id is a no-op; the other pipelines
// keep running undisturbed either way.
func (r *Registry) SetActive(id string) {
	r.mutex.Lock()
	pipeline, ok := r.pipelines[id]
	if !ok || !pipeline.ready {
		r.mutex.Unlock()
		return
	}
	r.activeID = id
	state := pipeline.DeviceState()
	deviceStateCallbacks := r.deviceStateCallbacks
	r.mutex.Unlock()

	for _, callback := range deviceStateCallbacks {
		callback(state)
	}
}

// StartRecording starts a raw recording session on the pipeline with the
// given id, writing to a sink keyed to that id.
func (r *Registry) StartRecording(id string, options scheduler.RecordingOptions) error {
	r.mutex.Lock()
	pipeline, ok := r.pipelines[id]
	r.mutex.Unlock()
	if !ok {
		return errors.Errorf("no pipeline with id %s", id)
	}

	sink, err := r.openRecordingSink(id)
	if err != nil {
		return errors.Wrapf(err, "cannot open recording sink for %s", id)
	}
	err = pipeline.Scheduler.StartRecording(sink, options)
	if err != nil {
		sink.Close()
		return err
	}
	return nil
}

// StartRecordingAll starts a recording session on every registered pipeline.
// A pipeline that fails to start recording does not keep the others from
// recording; the first failure is returned.
func (r *Registry) StartRecordingAll(options scheduler.RecordingOptions) error {
	var firstErr error
	for _, id := range r.IDs() {
		err := r.StartRecording(id, options)
		if err != nil {
			log.Printf("cannot record %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopRecording stops the recording session of the pipeline with the given
// id, if any.
func (r *Registry) StopRecording(id string) {
	r.mutex.Lock()
	pipeline, ok := r.pipelines[id]
	r.mutex.Unlock()
	if !ok {
		return
	}
	pipeline.Scheduler.StopRecording()
}

// StopRecordingAll stops all active recording sessions.
func (r *Registry) StopRecordingAll() {
	for _, id := range r.IDs() {
		r.StopRecording(id)
	}
}

// Close takes down all pipelines and releases their devices.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.Stop(id)
	}
}
