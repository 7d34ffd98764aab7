package syncjob

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/finsync/internal/model"
)

// Progress は呼び出し元（UIやログ）へ通知する進捗。
// Index は1始まりで、Total は実行対象のアカウント数。
type Progress struct {
	RunID     string `json:"run_id"`
	AccountID string `json:"account_id"`
	Vendor    string `json:"vendor"`
	Nickname  string `json:"nickname,omitempty"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`

	State          model.SessionState `json:"state"`
	Step           string             `json:"step,omitempty"`
	Message        string             `json:"message,omitempty"`
	Phase          string             `json:"phase,omitempty"`
	Percent        float64            `json:"percent"`
	Success        *bool              `json:"success"`
	CompletedSteps []string           `json:"completed_steps,omitempty"`
	Wait           *Wait              `json:"wait,omitempty"`
	At             time.Time          `json:"at"`
}

// ProgressFunc は進捗通知を受け取るコールバック。
type ProgressFunc func(Progress)

// DefaultProgressBuffer は進捗通知バッファのデフォルトサイズ。
const DefaultProgressBuffer = 32

// progressPump は進捗通知を別goroutineでコールバックへ配送する。
// バッファが一杯のときは最も古い通知を破棄するため、送信側は決してブロックしない。
type progressPump struct {
	ch      chan Progress
	fn      ProgressFunc
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newProgressPump(fn ProgressFunc, size int) *progressPump {
	if size <= 0 {
		size = DefaultProgressBuffer
	}
	p := &progressPump{
		ch:   make(chan Progress, size),
		fn:   fn,
		done: make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *progressPump) loop() {
	defer close(p.done)
	for pr := range p.ch {
		p.fn(pr)
	}
}

// Send は通知をキューに入れる。送信側は単一のgoroutineであること。
func (p *progressPump) Send(pr Progress) {
	for {
		select {
		case p.ch <- pr:
			return
		default:
		}
		// 古い通知を1件捨てて再試行
		select {
		case <-p.ch:
			p.dropped.Add(1)
		default:
		}
	}
}

// Dropped は破棄された通知数を返す。
func (p *progressPump) Dropped() int64 {
	return p.dropped.Load()
}

// Close はキュー済みの通知をすべて配送してから終了する。
func (p *progressPump) Close() {
	p.once.Do(func() {
		close(p.ch)
	})
	<-p.done
}
