package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"chatd/pkg/convkey"
	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/store"
	"chatd/pkg/telemetry"
)

// ErrPersistence wraps store failures surfaced to senders. When a send
// fails with this error nothing was broadcast.
var ErrPersistence = errors.New("persistence failed")

// Result is the outcome of applying a send op.
type Result struct {
	Msg models.Message
	Sum models.Summary
	Err error
}

// Processor owns the message pipeline: a set of sharded bounded queues
// and one worker per shard. All ops for a conversation key hash to the
// same shard, so summary updates for one conversation are applied
// strictly in order while distinct conversations proceed in parallel.
type Processor struct {
	queues []*Queue
	fanout Fanout

	// enqueue deadline for a full queue
	enqueueTimeout time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Options tunes the processor.
type Options struct {
	Shards         int
	QueueCapacity  int
	EnqueueTimeout time.Duration
}

// NewProcessor builds a stopped processor; call Start to launch workers.
func NewProcessor(opts Options, fanout Fanout) *Processor {
	if opts.Shards <= 0 {
		opts.Shards = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}
	if fanout == nil {
		fanout = NopFanout{}
	}
	p := &Processor{
		fanout:         fanout,
		enqueueTimeout: opts.EnqueueTimeout,
		stop:           make(chan struct{}),
	}
	for i := 0; i < opts.Shards; i++ {
		p.queues = append(p.queues, NewQueue(opts.QueueCapacity))
	}
	return p
}

// Start launches one worker per shard.
func (p *Processor) Start() {
	for _, q := range p.queues {
		p.wg.Add(1)
		go func(q *Queue) {
			defer p.wg.Done()
			q.RunWorker(p.stop, p.apply)
		}(q)
	}
	logger.Info("pipeline_started", "shards", len(p.queues), "queue_cap", p.queues[0].Cap())
}

// Stop closes the queues, lets workers drain what was already accepted
// and waits for them to exit. Accepted ops are still applied; this keeps
// the submitted-implies-persisted property across shutdown.
func (p *Processor) Stop() {
	p.once.Do(func() {
		for _, q := range p.queues {
			q.Close()
		}
		p.wg.Wait()
		close(p.stop)
	})
	logger.Info("pipeline_stopped")
}

func (p *Processor) shard(key string) *Queue {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Depth returns the total number of queued ops across shards.
func (p *Processor) Depth() int {
	n := 0
	for _, q := range p.queues {
		n += q.Len()
	}
	return n
}

// Dropped returns the total number of rejected enqueues across shards.
func (p *Processor) Dropped() uint64 {
	var n uint64
	for _, q := range p.queues {
		n += q.Dropped()
	}
	return n
}

// SendMessage runs the full pipeline for one message: the authoritative
// timestamp is taken here at receipt, the op is routed to its shard and
// the call blocks until the message is durably applied (or rejected).
// Broadcasts happen after the reply and are best-effort.
func (p *Processor) SendMessage(ctx context.Context, conversationKey, sender, body string) (models.Message, models.Summary, error) {
	if _, err := convkey.Peer(conversationKey, sender); err != nil {
		return models.Message{}, models.Summary{}, err
	}
	ts := time.Now().UTC().UnixNano()
	reply := make(chan Result, 1)
	op := &Op{
		Key:     conversationKey,
		Sender:  sender,
		Payload: []byte(body),
		TS:      ts,
		Reply:   reply,
	}
	ectx, cancel := context.WithTimeout(ctx, p.enqueueTimeout)
	defer cancel()
	if err := p.shard(conversationKey).Enqueue(ectx, op); err != nil {
		return models.Message{}, models.Summary{}, err
	}
	// the op is accepted: it will be applied even if the caller gives up
	select {
	case res := <-reply:
		return res.Msg, res.Sum, res.Err
	case <-ctx.Done():
		return models.Message{}, models.Summary{}, ctx.Err()
	}
}

// apply is the per-shard worker body: persist the message, fold it into
// the summary, answer the caller, then fan out. A store failure aborts
// before any broadcast.
func (p *Processor) apply(op *Op) {
	msg := models.Message{
		ConversationKey: op.Key,
		SenderID:        op.Sender,
		Body:            string(op.Payload),
		Timestamp:       op.TS,
	}
	res := Result{Msg: msg}
	if err := store.SaveMessage(msg); err != nil {
		logger.Error("pipeline_save_failed", "conversation", op.Key, "error", err)
		telemetry.MessageFailures.Inc()
		res.Err = fmt.Errorf("%w: %v", ErrPersistence, err)
		op.reply(res)
		return
	}
	sum, err := store.UpsertSummaryOnMessage(msg)
	if err != nil {
		logger.Error("pipeline_summary_failed", "conversation", op.Key, "error", err)
		telemetry.MessageFailures.Inc()
		res.Err = fmt.Errorf("%w: %v", ErrPersistence, err)
		op.reply(res)
		return
	}
	res.Sum = sum
	op.reply(res)
	telemetry.MessagesTotal.Inc()
	p.fanout.MessageApplied(msg, sum)
}

func (op *Op) reply(res Result) {
	if op.Reply == nil {
		return
	}
	// reply channels are buffered; never block the shard worker
	select {
	case op.Reply <- res:
	default:
	}
}
