package inference

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/lipcall/lipcall/pkg/commons"
)

// ErrExecutorClosed is returned for submissions after Close.
var ErrExecutorClosed = errors.New("inference: executor closed")

type videoJob struct {
	frame  Frame
	result chan videoResult
}

type videoResult struct {
	text string
	err  error
}

// VideoExecutor serializes all lip-reading work onto a single worker that
// owns the one pipeline instance. The model is not safe to share across
// workers.
type VideoExecutor struct {
	pipeline *LipPipeline
	logger   commons.Logger
	jobs     chan videoJob
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewVideoExecutor(pipeline *LipPipeline, logger commons.Logger) *VideoExecutor {
	e := &VideoExecutor{
		pipeline: pipeline,
		logger:   logger,
		jobs:     make(chan videoJob),
		done:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// LipRead blocks until the worker has processed the frame. A panic inside
// the pipeline drops the frame instead of killing the worker.
func (e *VideoExecutor) LipRead(ctx context.Context, frame Frame) (string, error) {
	job := videoJob{frame: frame, result: make(chan videoResult, 1)}
	select {
	case e.jobs <- job:
	case <-e.done:
		return "", ErrExecutorClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *VideoExecutor) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}

func (e *VideoExecutor) worker() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.jobs:
			text, err := e.runLipRead(job.frame)
			job.result <- videoResult{text: text, err: err}
		case <-e.done:
			return
		}
	}
}

func (e *VideoExecutor) runLipRead(frame Frame) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("lip pipeline panicked, dropping frame", "panic", r)
			err = fmt.Errorf("lip pipeline panic: %v", r)
		}
	}()
	return e.pipeline.LipRead(frame)
}

type audioJob struct {
	run    func() (SpeechResult, error)
	result chan audioResult
}

type audioResult struct {
	res SpeechResult
	err error
}

// AudioExecutor runs speech recognition on a small pool. Callers must keep
// submissions for one recognizer serialized; the pool only bounds total
// concurrency.
type AudioExecutor struct {
	logger commons.Logger
	jobs   chan audioJob
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// AudioWorkers is the pool size, min(4, CPU-1) with a floor of one.
func AudioWorkers() int {
	n := runtime.NumCPU() - 1
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

func NewAudioExecutor(logger commons.Logger) *AudioExecutor {
	e := &AudioExecutor{
		logger: logger,
		jobs:   make(chan audioJob),
		done:   make(chan struct{}),
	}
	for i := 0; i < AudioWorkers(); i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Transcribe feeds one PCM chunk to the recognizer on a pool worker.
func (e *AudioExecutor) Transcribe(ctx context.Context, recognizer Recognizer, pcm []byte) (SpeechResult, error) {
	return e.submit(ctx, func() (SpeechResult, error) { return recognizer.Transcribe(pcm) })
}

// Finalize flushes the recognizer's pending result on a pool worker.
func (e *AudioExecutor) Finalize(ctx context.Context, recognizer Recognizer) (SpeechResult, error) {
	return e.submit(ctx, func() (SpeechResult, error) { return recognizer.FinalResult() })
}

func (e *AudioExecutor) submit(ctx context.Context, run func() (SpeechResult, error)) (SpeechResult, error) {
	job := audioJob{run: run, result: make(chan audioResult, 1)}
	select {
	case e.jobs <- job:
	case <-e.done:
		return SpeechResult{}, ErrExecutorClosed
	case <-ctx.Done():
		return SpeechResult{}, ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.res, res.err
	case <-ctx.Done():
		return SpeechResult{}, ctx.Err()
	}
}

func (e *AudioExecutor) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}

func (e *AudioExecutor) worker() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.jobs:
			res, err := e.runJob(job.run)
			job.result <- audioResult{res: res, err: err}
		case <-e.done:
			return
		}
	}
}

func (e *AudioExecutor) runJob(run func() (SpeechResult, error)) (res SpeechResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("speech recognizer panicked, dropping chunk", "panic", r)
			err = fmt.Errorf("recognizer panic: %v", r)
		}
	}()
	return run()
}
