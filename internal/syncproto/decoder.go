package syncproto

import (
	"bytes"
	"errors"
	"io"
)

const readChunkSize = 4096

// MaxFrameSize は1フレームとして保持する最大バイト数。
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge はフレームがMaxFrameSizeを超えたことを示す。
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Decoder はイベントストリームを逐次読み込み、型付きイベントに変換する。
//
// 空行区切りのフレームを単位とし、フレーム内の event: 行でタグを、
// data: 行でJSONペイロードを受け取る。読み込み境界をまたぐ未完了の行・フレームは
// 次の読み込みまで保持し、破棄しない。
// ただし空行のないままMaxFrameSizeを超えたフレームは次の空行まで読み捨てる。
type Decoder struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	eof   bool

	maxFrame   int
	discarding bool

	unknown int
}

// NewDecoder はDecoderを生成する。
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:        r,
		chunk:    make([]byte, readChunkSize),
		maxFrame: MaxFrameSize,
	}
}

// Next は次のイベントを返す。
//
// ストリームが正常に終了した場合はio.EOFを返す。
// ペイロードが不正なフレームは*FrameErrorとして返し、呼び出し元はNextの呼び出しを継続できる。
// MaxFrameSizeを超えたフレームもErrFrameTooLargeを包んだ*FrameErrorとして返す。
// 未知のタグのフレームは読み飛ばす。
// それ以外のエラーは下位のReaderのエラー（通信エラー・キャンセル）である。
func (d *Decoder) Next() (Event, error) {
	for {
		if d.discarding {
			d.skipOversized()
		}
		if !d.discarding {
			if frame, ok := d.nextFrame(); ok {
				ev, ok, err := d.parseFrame(frame)
				if err != nil {
					return Event{}, err
				}
				if !ok {
					continue
				}
				return ev, nil
			}
			if len(d.buf) > d.maxFrame {
				d.discarding = true
				d.skipOversized()
				return Event{}, &FrameError{Err: ErrFrameTooLarge}
			}
		}

		if d.eof {
			if d.discarding {
				d.buf = nil
				return Event{}, io.EOF
			}
			// 終端の空行がないまま終了した最後のフレームも処理する
			if len(bytes.TrimSpace(d.buf)) > 0 {
				frame := d.buf
				d.buf = nil
				ev, ok, err := d.parseFrame(frame)
				if err != nil {
					return Event{}, err
				}
				if ok {
					return ev, nil
				}
			}
			return Event{}, io.EOF
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = appendStripCR(d.buf, d.chunk[:n])
		}
		if err == io.EOF {
			d.eof = true
			continue
		}
		if err != nil {
			return Event{}, err
		}
	}
}

// UnknownFrames は読み飛ばした未知タグのフレーム数を返す。
func (d *Decoder) UnknownFrames() int {
	return d.unknown
}

// skipOversized は上限を超えたフレームの残りを次の空行まで読み捨てる。
func (d *Decoder) skipOversized() {
	if idx := bytes.Index(d.buf, []byte("\n\n")); idx >= 0 {
		d.buf = d.buf[idx+2:]
		d.discarding = false
		return
	}
	// 読み込み境界で分割された空行を検出できるよう末尾の改行は残す
	if n := len(d.buf); n > 0 && d.buf[n-1] == '\n' {
		d.buf = []byte{'\n'}
		return
	}
	d.buf = nil
}

// nextFrame はバッファから完結したフレームを1つ取り出す。
func (d *Decoder) nextFrame() ([]byte, bool) {
	idx := bytes.Index(d.buf, []byte("\n\n"))
	if idx < 0 {
		return nil, false
	}
	frame := make([]byte, idx)
	copy(frame, d.buf[:idx])
	d.buf = d.buf[idx+2:]
	return frame, true
}

// parseFrame はフレームを解析する。
// データ行がないフレーム（コメントのみ等）と未知タグのフレームはok=falseを返す。
func (d *Decoder) parseFrame(frame []byte) (Event, bool, error) {
	var tag string
	var data [][]byte

	for _, line := range bytes.Split(frame, []byte("\n")) {
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = line[i+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}
		switch string(field) {
		case "event":
			tag = string(bytes.TrimSpace(value))
		case "data":
			data = append(data, value)
		}
	}

	if len(data) == 0 {
		return Event{}, false, nil
	}

	payload := bytes.Join(data, []byte("\n"))
	ev, known, err := decodePayload(tag, payload)
	if err != nil {
		return Event{}, false, &FrameError{Tag: tag, Data: string(payload), Err: err}
	}
	if !known {
		d.unknown++
		return Event{}, false, nil
	}
	return ev, true, nil
}

// appendStripCR はCRを除去しながらsrcをdstに追加する。
// CRLFの改行をLFに統一する。
func appendStripCR(dst, src []byte) []byte {
	for {
		i := bytes.IndexByte(src, '\r')
		if i < 0 {
			return append(dst, src...)
		}
		dst = append(dst, src[:i]...)
		src = src[i+1:]
	}
}
