// Package logpub is a dry-run publisher: posts are logged, nothing is sent.
package logpub

import (
	"context"
	"fmt"
	"sync/atomic"

	"newsrelay/internal/dispatch"
	logx "newsrelay/pkg/logx"
)

type Publisher struct {
	log logx.Logger
	seq atomic.Uint64
}

func New(log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{log: log}
}

func (p *Publisher) Publish(ctx context.Context, post dispatch.Post) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := fmt.Sprintf("dry-%d", p.seq.Add(1))
	p.log.Info("dry-run post",
		logx.String("platform", post.Platform),
		logx.String("job", post.JobID),
		logx.String("item", post.ItemID),
		logx.String("post_id", id),
		logx.String("text", post.Text),
		logx.String("link", post.Link),
	)
	return id, nil
}
