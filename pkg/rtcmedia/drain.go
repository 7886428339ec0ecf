package rtcmedia

import (
	"context"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// PacketSource источник входящих RTP пакетов.
type PacketSource interface {
	ReadPacket() (*rtp.Packet, error)
}

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// DrainStats итог чтения входящего звука.
type DrainStats struct {
	Packets int
	Bytes   int
	// Lost пропуски по номерам последовательности
	Lost int
}

// Drain читает пакеты, пока источник не закроется или не отменен ctx, и
// возвращает статистику. Конец потока и ошибка чтения после отмены ctx ошибкой не считаются.
func Drain(ctx context.Context, src PacketSource) (DrainStats, error) {
	var stats DrainStats

	if d, ok := src.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetReadDeadline(time.Now()) })
		defer stop()
	}

	var (
		last    uint16
		started bool
	)
	for {
		if ctx.Err() != nil {
			return stats, nil
		}
		p, err := src.ReadPacket()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, err
		}
		stats.Packets++
		stats.Bytes += len(p.Payload)
		if started {
			if gap := p.SequenceNumber - last - 1; gap > 0 && gap < 1<<15 {
				stats.Lost += int(gap)
			}
		}
		last = p.SequenceNumber
		started = true
	}
}
