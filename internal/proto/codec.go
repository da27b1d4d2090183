package proto

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

// MaxRPCHeaderLen bounds how many header bytes the CSM will buffer before
// concluding the client sent garbage and closing the connection
// (kMaxCmdHeaderLength in the original).
const MaxRPCHeaderLen = 1024

// headerTerminator ends a request header, mirroring an HTTP-style blank
// line; IsMsgAvail scans for it rather than requiring a length prefix so a
// misbehaving client produces a clean "header too long" failure instead of
// an integer-confused read.
var headerTerminator = []byte("\r\n\r\n")

// IsMsgAvail reports whether buf contains a complete header, and if so
// sets cmdLen to its length including the terminator.
func IsMsgAvail(buf []byte) (avail bool, cmdLen int) {
	idx := bytes.Index(buf, headerTerminator)
	if idx < 0 {
		return false, 0
	}
	return true, idx + len(headerTerminator)
}

// ParseCommand parses the header bytes in buf[:cmdLen] (not including the
// terminator) into a new Op. Lines are "key=value"; the first line is
// "TYPE" alone.
func ParseCommand(buf []byte, cmdLen int) (*Op, error) {
	header := buf[:cmdLen-len(headerTerminator)]
	scanner := bufio.NewScanner(bytes.NewReader(header))
	if !scanner.Scan() {
		return nil, fmt.Errorf("proto: empty header")
	}
	typ, err := parseType(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, err
	}

	op := &Op{Type: typ, StartTime: time.Now()}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("proto: malformed header line %q", line)
		}
		key, val := kv[0], kv[1]
		if err := op.setField(key, val); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return op, nil
}

func (o *Op) setField(key, val string) error {
	switch key {
	case "seq":
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		o.Seq = v
	case "chunk":
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		o.ChunkID = ChunkID(v)
	case "txn":
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		o.TxnID = common.TransactionID(v)
	case "offset":
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return err
		}
		o.Offset = v
	case "bytes":
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		o.NumBytes = v
	case "align":
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		o.Align = v
	case "maxWaitMs":
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		o.MaxWaitMillis = v
	case "replyRequested":
		o.ReplyRequestedFlag = val == "true"
	case "forward":
		o.ForwardFlag = val == "true"
	default:
		// Unknown fields are tolerated: the header format grows over
		// time and older chunk servers must not choke on it.
	}
	return nil
}

func parseType(tok string) (Type, error) {
	switch tok {
	case "READ":
		return TypeRead, nil
	case "WRITE_PREPARE":
		return TypeWritePrepare, nil
	case "WRITE_PREPARE_FWD":
		return TypeWritePrepareFwd, nil
	case "WRITE":
		return TypeWrite, nil
	case "WRITE_SYNC":
		return TypeWriteSync, nil
	case "RECORD_APPEND":
		return TypeRecordAppend, nil
	case "GET_RECORD_APPEND_STATUS":
		return TypeGetRecordAppendStatus, nil
	case "SIZE_INQUIRY":
		return TypeSizeInquiry, nil
	case "SPACE_RESERVE":
		return TypeSpaceReserve, nil
	case "PING":
		return TypePing, nil
	default:
		return 0, fmt.Errorf("proto: unknown op type %q", tok)
	}
}

// Response writes op's reply header, plus its Data payload for ops that
// carry one (reads), to w.
func (o *Op) Response(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "STATUS %d seq=%d bytes=%d\r\n", o.Status, o.Seq, len(o.Data)); err != nil {
		return err
	}
	if o.StatusMsg != "" {
		if _, err := fmt.Fprintf(w, "msg=%s\r\n", o.StatusMsg); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	if len(o.Data) > 0 {
		if _, err := w.Write(o.Data); err != nil {
			return err
		}
	}
	return nil
}

// ResponseContent writes just the payload bytes of a response into buf,
// truncating to length, for callers that already emitted the header
// (spec.md §6's op.response_content).
func (o *Op) ResponseContent(buf []byte) int {
	n := copy(buf, o.Data)
	return n
}

// EncodeRequest renders op as a request header plus its payload, the
// client-side half of the same framing ParseCommand decodes server-side.
func EncodeRequest(op *Op) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\r\n", op.Type)
	fmt.Fprintf(&buf, "seq=%d\r\n", op.Seq)
	fmt.Fprintf(&buf, "chunk=%d\r\n", uint64(op.ChunkID))
	if op.TxnID != 0 {
		fmt.Fprintf(&buf, "txn=%d\r\n", uint64(op.TxnID))
	}
	fmt.Fprintf(&buf, "offset=%d\r\n", op.Offset)
	fmt.Fprintf(&buf, "bytes=%d\r\n", op.NumBytes)
	if op.MaxWaitMillis > 0 {
		fmt.Fprintf(&buf, "maxWaitMs=%d\r\n", op.MaxWaitMillis)
	}
	if op.ReplyRequestedFlag {
		buf.WriteString("replyRequested=true\r\n")
	}
	if op.ForwardFlag {
		buf.WriteString("forward=true\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(op.Data)
	return buf.Bytes()
}

// ReadResponse decodes one reply off r: its status, optional message, and
// payload bytes. It is the client-side counterpart of Op.Response.
func ReadResponse(r *bufio.Reader) (status common.Status, msg string, data []byte, err error) {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, "", nil, err
	}
	var code int32
	var seq uint64
	var nbytes int
	if _, err := fmt.Sscanf(statusLine, "STATUS %d seq=%d bytes=%d", &code, &seq, &nbytes); err != nil {
		return 0, "", nil, fmt.Errorf("proto: malformed status line %q: %w", strings.TrimSpace(statusLine), err)
	}
	status = common.Status(code)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "msg=") {
			msg = line[len("msg="):]
		}
	}

	if nbytes > 0 {
		data = make([]byte, nbytes)
		if _, err := io.ReadFull(r, data); err != nil {
			return 0, "", nil, err
		}
	}
	return status, msg, data, nil
}
