// Package wire renders and parses the textual framing that precedes the
// binary phase of a gateway session: the CRAM authentication exchange,
// subscription lines, and the start trigger.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/dbn"
)

const scope = "wire"

// MaxSymbolsPerLine bounds one subscribe line; larger symbol lists are split
// into chunks sharing one id, with is_last set on the final chunk only.
const MaxSymbolsPerLine = 500

// GreetingPrefix starts the server's first line, followed by its version.
const GreetingPrefix = "lsg-"

// bucketLen is how many trailing key bytes are echoed next to the auth hash
// so the gateway can route the credential check.
const bucketLen = 5

// Subscription is the durable record of one upstream subscription. It
// survives reconnects; Start is cleared when the subscription is re-sent on
// a fresh connection.
type Subscription struct {
	ID       uint32
	Schema   dbn.Schema
	STypeIn  dbn.SType
	Symbols  []string
	Start    int64
	Snapshot bool
}

// Validate rejects parameter combinations the gateway cannot serve.
func (s *Subscription) Validate() error {
	if len(s.Symbols) == 0 {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("subscription has no symbols"))
	}
	if s.Snapshot && s.Start != 0 {
		return errs.New(scope, errs.CodeInvalid,
			errs.WithMessage("snapshot subscription cannot set start"))
	}
	return nil
}

// AuthRequest carries the inputs of the CRAM reply line.
type AuthRequest struct {
	Challenge         string
	Key               string
	Dataset           string
	TsOut             bool
	HeartbeatInterval int
	Client            string
}

// AuthProof computes the challenge response: the hex sha256 of
// "<challenge>|<key>" joined to the key's trailing bucket with a dash.
func AuthProof(challenge, key string) string {
	sum := sha256.Sum256([]byte(challenge + "|" + key))
	bucket := key
	if len(bucket) > bucketLen {
		bucket = bucket[len(bucket)-bucketLen:]
	}
	return hex.EncodeToString(sum[:]) + "-" + bucket
}

// RenderAuth renders the client's reply to the cram challenge.
func RenderAuth(req AuthRequest) []byte {
	var b strings.Builder
	b.WriteString("auth=")
	b.WriteString(AuthProof(req.Challenge, req.Key))
	b.WriteString("|dataset=")
	b.WriteString(req.Dataset)
	b.WriteString("|encoding=dbn|ts_out=")
	b.WriteString(boolField(req.TsOut))
	if req.HeartbeatInterval > 0 {
		b.WriteString("|heartbeat_interval_s=")
		b.WriteString(strconv.Itoa(req.HeartbeatInterval))
	}
	b.WriteString("|client=")
	b.WriteString(req.Client)
	b.WriteByte('\n')
	return []byte(b.String())
}

// RenderSubscribe renders one subscribe line for the given symbol chunk.
// The caller is responsible for chunking and for setting isLast only on the
// final chunk.
func RenderSubscribe(sub *Subscription, symbols []string, isLast bool) []byte {
	var b strings.Builder
	b.WriteString("symbols=")
	b.WriteString(strings.Join(symbols, ","))
	b.WriteString("|schema=")
	b.WriteString(sub.Schema.String())
	b.WriteString("|stype_in=")
	b.WriteString(sub.STypeIn.String())
	b.WriteString("|id=")
	b.WriteString(strconv.FormatUint(uint64(sub.ID), 10))
	if sub.Start != 0 {
		b.WriteString("|start=")
		b.WriteString(strconv.FormatInt(sub.Start, 10))
	}
	b.WriteString("|snapshot=")
	b.WriteString(boolField(sub.Snapshot))
	b.WriteString("|is_last=")
	b.WriteString(boolField(isLast))
	b.WriteByte('\n')
	return []byte(b.String())
}

// RenderStart renders the line that flips the connection to the binary
// phase.
func RenderStart() []byte {
	return []byte("start_session\n")
}

// Chunk splits symbols into contiguous chunks of at most MaxSymbolsPerLine,
// preserving order.
func Chunk(symbols []string) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(symbols)+MaxSymbolsPerLine-1)/MaxSymbolsPerLine)
	for len(symbols) > MaxSymbolsPerLine {
		chunks = append(chunks, symbols[:MaxSymbolsPerLine])
		symbols = symbols[MaxSymbolsPerLine:]
	}
	return append(chunks, symbols)
}

// ServerLine is one parsed line from the gateway during the handshake.
type ServerLine interface {
	serverLine()
}

// Cram is the gateway's authentication challenge.
type Cram struct {
	Challenge string
}

// Session is a successful authentication reply.
type Session struct {
	ID    uint64
	Flags map[string]string
}

// Failure is any handshake line that is neither a challenge nor a success.
type Failure struct {
	Message string
}

func (Cram) serverLine()    {}
func (Session) serverLine() {}
func (Failure) serverLine() {}

// ParseGreeting checks the server's first line and returns its version.
func ParseGreeting(line string) (string, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, GreetingPrefix) {
		return "", errs.New(scope, errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("unexpected greeting %q", trimmed)))
	}
	return strings.TrimPrefix(trimmed, GreetingPrefix), nil
}

// ParseServerLine discriminates a handshake line from the gateway.
func ParseServerLine(line string) ServerLine {
	fields := parseFields(line)
	if challenge, ok := fields["cram"]; ok {
		return Cram{Challenge: challenge}
	}
	if fields["success"] == "1" {
		id, err := strconv.ParseUint(fields["session_id"], 10, 64)
		if err != nil {
			return Failure{Message: strings.TrimSpace(line)}
		}
		delete(fields, "success")
		delete(fields, "session_id")
		return Session{ID: id, Flags: fields}
	}
	return Failure{Message: strings.TrimSpace(line)}
}

// ParseSubscribe parses a subscribe line back into its subscription and its
// is_last marker. Used by replay tooling and scripted gateways.
func ParseSubscribe(line string) (*Subscription, bool, error) {
	fields := parseFields(line)
	schema, err := dbn.ParseSchema(fields["schema"])
	if err != nil {
		return nil, false, err
	}
	stype, err := dbn.ParseSType(fields["stype_in"])
	if err != nil {
		return nil, false, err
	}
	id, err := strconv.ParseUint(fields["id"], 10, 32)
	if err != nil {
		return nil, false, errs.New(scope, errs.CodeProtocol,
			errs.WithMessage("bad subscribe id"), errs.WithCause(err))
	}
	sub := &Subscription{
		ID:       uint32(id),
		Schema:   schema,
		STypeIn:  stype,
		Symbols:  strings.Split(fields["symbols"], ","),
		Start:    0,
		Snapshot: fields["snapshot"] == "1",
	}
	if raw, ok := fields["start"]; ok {
		start, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false, errs.New(scope, errs.CodeProtocol,
				errs.WithMessage("bad subscribe start"), errs.WithCause(err))
		}
		sub.Start = start
	}
	return sub, fields["is_last"] == "1", nil
}

func parseFields(line string) map[string]string {
	fields := make(map[string]string)
	for _, pair := range strings.Split(strings.TrimSpace(line), "|") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		fields[key] = value
	}
	return fields
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
