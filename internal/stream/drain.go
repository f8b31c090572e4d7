package stream

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrEmptyStream 上游连接打开后在超时窗口内没有任何字节
var ErrEmptyStream = errors.New("empty stream")

// Drain 驱动上游响应体读循环：读到的字节喂给转换器，产生的事件交给 emit。
// 一个字节都没收到就超时（或 EOF）时返回 ErrEmptyStream，交由上层重连重试；
// 正常结束时刷出尾部缓冲并发出终止事件。emit 返回错误即中止（调用方断开）。
func Drain(ctx context.Context, r io.Reader, t *Transcoder, emptyTimeout time.Duration, emit func(Event) error) error {
	type read struct {
		data []byte
		err  error
	}
	ch := make(chan read, 4)
	done := make(chan struct{})
	defer close(done)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- read{data: data}:
				case <-done:
					return
				}
			}
			if err != nil {
				select {
				case ch <- read{err: err}:
				case <-done:
				}
				return
			}
		}
	}()

	timer := time.NewTimer(emptyTimeout)
	defer timer.Stop()

	for {
		var rd read
		if t.Received() {
			select {
			case rd = <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			select {
			case rd = <-ch:
			case <-timer.C:
				return ErrEmptyStream
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if rd.err != nil {
			if rd.err == io.EOF {
				if !t.Received() {
					return ErrEmptyStream
				}
				for _, ev := range t.Finish() {
					if err := emit(ev); err != nil {
						return err
					}
				}
				return nil
			}
			return rd.err
		}
		for _, ev := range t.Feed(rd.data) {
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
}
