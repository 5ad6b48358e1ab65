package stratum

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stratumd/internal/block"
	"stratumd/internal/database"
	"stratumd/internal/job"
	"stratumd/internal/metrics"
	"stratumd/internal/node"
)

// Session states.
const (
	stateConnected = iota
	stateSubscribed
	stateAuthorized
	stateClosed
)

const (
	// readTimeout closes sessions idle longer than this.
	readTimeout = 1200 * time.Second
	// writeTimeout bounds a single frame write; slow sockets lag and fail
	// on a later write rather than stalling the broadcaster.
	writeTimeout = 10 * time.Second
	// firstDifficultyDelay postpones the initial set_difficulty; some
	// miners drop the connection when it arrives before the first job.
	firstDifficultyDelay = 5 * time.Second

	difficultyHistorySize = 5
	timeWorkHistorySize   = 40

	// rejectLimit trips the reconnect governor.
	rejectLimit = 100
)

// TimeWork is one accepted submission: arrival time and the session
// difficulty it was judged against.
type TimeWork struct {
	Time       time.Time
	Difficulty float64
}

// Deps bundles what a session needs from the rest of the pool.
type Deps struct {
	DB       *database.DB
	Builder  *job.Builder
	Node     *node.Client
	Registry *Registry
	Log      *logrus.Entry

	// HostName is the address miners are told to reconnect to.
	HostName     string
	Bech32HRP    string
	PayoutMethod string
	Coefficient  func(algorithm int32) (float64, bool)
}

// Session is one miner connection working through the
// CONNECTED -> SUBSCRIBED -> AUTHORIZED -> CLOSED state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	deps   Deps
	log    *logrus.Entry

	algorithm   int32
	port        int
	initialDiff float64
	vardiff     bool
	submitSpan  float64

	writeMu sync.Mutex

	// mu guards the fields the vardiff goroutine also touches.
	mu             sync.Mutex
	state          int
	minerVersion   string
	subscriptionID []byte
	extranonce1    []byte
	username       string
	password       string
	accountID      int64
	diffHistory    []float64
	timeWorks      []TimeWork
	nAccept        int
	nReject        int

	cancel context.CancelFunc
}

func newSession(conn net.Conn, listen ListenerConfig, deps Deps) *Session {
	return &Session{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		deps:        deps,
		log:         deps.Log.WithField("remote", conn.RemoteAddr().String()),
		algorithm:   listen.Algorithm,
		port:        listen.Port,
		initialDiff: listen.InitialDifficulty,
		vardiff:     listen.VariableDiff,
		submitSpan:  listen.SubmitSpanSec,
		diffHistory: []float64{listen.InitialDifficulty},
	}
}

// Handle runs the session until the socket closes, the read times out, or
// the reject governor trips. It always unregisters the session and, when a
// subscription exists, parks its state in the closed-session ring.
func (s *Session) Handle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("session panic: %v", r)
		}
		s.close()
	}()

	ctx, s.cancel = context.WithCancel(ctx)
	s.deps.Registry.add(s)
	metrics.SessionsActive.WithLabelValues(s.algorithmName()).Inc()
	if s.vardiff {
		go s.vardiffLoop(ctx)
	}

	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).Debug("read failed")
			}
			return
		}
		req, err := ParseRequest(line)
		if err != nil {
			s.log.WithError(err).Info("malformed frame, closing")
			return
		}
		if !strings.HasPrefix(req.Method, "mining.") && !strings.HasPrefix(req.Method, "client.") {
			s.log.WithField("method", req.Method).Info("unknown method namespace, closing")
			return
		}
		if err := s.dispatch(ctx, req); err != nil {
			s.log.WithError(err).Debug("session terminating")
			return
		}
		if s.governorTripped() {
			s.notify("client.reconnect", []interface{}{s.deps.HostName, s.port, 5})
			s.log.Warn("reject governor tripped, asking miner to reconnect")
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, req *Request) error {
	switch req.Method {
	case "mining.subscribe":
		return s.handleSubscribe(req)
	case "mining.authorize":
		return s.handleAuthorize(req)
	case "mining.submit":
		return s.handleSubmit(ctx, req)
	case "mining.get_transactions":
		return s.handleGetTransactions(req)
	case "mining.extranonce.subscribe":
		return s.reply(req.ID, true, nil)
	case "mining.suggest_difficulty", "mining.suggest_target":
		// acknowledged but not honored; session stays open
		return s.reply(req.ID, nil, NewError(ErrOther))
	default:
		return s.reply(req.ID, nil, NewError(ErrOther))
	}
}

// handleSubscribe resumes a prior subscription when possible, otherwise
// allocates a fresh extranonce1 and subscription row.
func (s *Session) handleSubscribe(req *Request) error {
	if v, err := ParamString(req.Params, 0); err == nil {
		s.minerVersion = v
	}

	var resumed bool
	if sidHex, err := ParamString(req.Params, 1); err == nil && sidHex != "" {
		if sid, err := hex.DecodeString(sidHex); err == nil && len(sid) == database.SubscriptionIDSize {
			resumed = s.resume(sid)
		}
	}
	if !resumed {
		extranonce1 := make([]byte, 4)
		if _, err := rand.Read(extranonce1); err != nil {
			return fmt.Errorf("generate extranonce1: %w", err)
		}
		sid, err := s.deps.DB.InsertSubscription(extranonce1)
		if err != nil {
			s.log.WithError(err).Error("insert subscription")
			return s.reply(req.ID, nil, NewError(ErrOther))
		}
		s.mu.Lock()
		s.subscriptionID = sid
		s.extranonce1 = extranonce1
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.state == stateConnected {
		s.state = stateSubscribed
	}
	sidHex := hex.EncodeToString(s.subscriptionID)
	en1Hex := hex.EncodeToString(s.extranonce1)
	s.mu.Unlock()

	time.AfterFunc(firstDifficultyDelay, s.sendDifficulty)

	return s.reply(req.ID, []interface{}{
		[]interface{}{
			[]interface{}{"mining.set_difficulty", sidHex},
			[]interface{}{"mining.notify", sidHex},
		},
		en1Hex,
		4,
	}, nil)
}

// resume restores state from the closed-session ring, falling back to the
// stored subscription row. Returns false when the id is unknown.
func (s *Session) resume(sid []byte) bool {
	if st := s.deps.Registry.takeClosed(sid, s.algorithm); st != nil {
		s.mu.Lock()
		s.subscriptionID = st.SubscriptionID
		s.extranonce1 = st.Extranonce1
		s.diffHistory = []float64{st.Difficulty}
		s.submitSpan = st.SubmitSpan
		s.timeWorks = st.TimeWorks
		s.nAccept = st.NAccept
		s.nReject = st.NReject
		s.mu.Unlock()
		s.log.Debug("resumed session from closed ring")
		return true
	}
	extranonce1, err := s.deps.DB.SubscriptionExtranonce(sid)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			s.log.WithError(err).Error("lookup subscription")
		}
		return false
	}
	s.mu.Lock()
	s.subscriptionID = sid
	s.extranonce1 = extranonce1
	s.mu.Unlock()
	s.log.Debug("resumed subscription from store")
	return true
}

// handleAuthorize validates the username as a bech32 address. Validation
// failures answer result=false with no error object; many miners disconnect
// on a structured error here.
func (s *Session) handleAuthorize(req *Request) error {
	username, err := ParamString(req.Params, 0)
	if err != nil {
		return s.reply(req.ID, false, nil)
	}
	password, _ := ParamString(req.Params, 1)

	if _, err := block.DecodeAddress(s.deps.Bech32HRP, username); err != nil {
		s.log.WithError(err).WithField("user", username).Info("authorize rejected")
		return s.reply(req.ID, false, nil)
	}
	accountID, err := s.deps.DB.AccountID(username, true)
	if err != nil {
		s.log.WithError(err).Error("resolve account")
		return s.reply(req.ID, false, nil)
	}

	s.mu.Lock()
	s.username = username
	s.password = password
	s.accountID = accountID
	if s.state == stateSubscribed {
		s.state = stateAuthorized
	}
	s.mu.Unlock()

	if err := s.reply(req.ID, true, nil); err != nil {
		return err
	}
	s.log.WithField("user", username).Info("worker authorized")

	if best := s.deps.Builder.Cache().Best(s.algorithm); best != nil {
		s.notify("mining.notify", best.NotifyParams(false))
	}
	return nil
}

func (s *Session) handleGetTransactions(req *Request) error {
	jobID, err := ParamJobID(req.Params, 0)
	if err != nil {
		return s.reply(req.ID, nil, NewError(ErrJobNotFound))
	}
	j := s.deps.Builder.Cache().Get(jobID)
	if j == nil {
		return s.reply(req.ID, nil, NewError(ErrJobNotFound))
	}
	hashes := make([]string, 0, len(j.Unconfirmed))
	for _, tx := range j.Unconfirmed {
		display := block.ReverseBytes(append([]byte(nil), tx.Hash[:]...))
		hashes = append(hashes, hex.EncodeToString(display))
	}
	return s.reply(req.ID, hashes, nil)
}

func (s *Session) handleSubmit(ctx context.Context, req *Request) error {
	s.mu.Lock()
	state := s.state
	extranonce1 := s.extranonce1
	history := append([]float64(nil), s.diffHistory...)
	s.mu.Unlock()

	if state < stateAuthorized {
		if state < stateSubscribed {
			return s.reply(req.ID, nil, NewError(ErrNotSubscribed))
		}
		return s.reply(req.ID, nil, NewError(ErrUnauthorized))
	}

	jobID, err := ParamJobID(req.Params, 1)
	if err != nil {
		return s.reply(req.ID, nil, NewError(ErrJobNotFound))
	}
	j := s.deps.Builder.Cache().Get(jobID)
	if j == nil {
		s.rejected("stale")
		return s.reply(req.ID, nil, NewError(ErrJobNotFound))
	}

	extranonce2Hex, _ := ParamString(req.Params, 2)
	ntimeHex, _ := ParamString(req.Params, 3)
	nonceHex, _ := ParamString(req.Params, 4)

	extranonce2, err := hex.DecodeString(extranonce2Hex)
	if err != nil || len(extranonce2) != 4 {
		return s.reply(req.ID, nil, NewError(ErrOther))
	}
	ntime, err := strconv.ParseUint(ntimeHex, 16, 32)
	if err != nil || uint32(ntime) != j.NTime {
		s.rejected("ntime")
		return s.reply(req.ID, nil, NewError(ErrOther))
	}
	nonceWire, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonceWire) != 4 {
		return s.reply(req.ID, nil, NewError(ErrOther))
	}
	var nonce [4]byte
	copy(nonce[:], block.ReverseBytes(nonceWire))

	coefficient, ok := s.deps.Coefficient(s.algorithm)
	if !ok {
		return s.reply(req.ID, nil, NewError(ErrOther))
	}
	fixedDifficulty := minFloat(history) / coefficient

	result, err := job.SubmitData(j, extranonce1, extranonce2, nonce, fixedDifficulty)
	if err != nil {
		s.log.WithError(err).Warn("submission rebuild failed")
		return s.reply(req.ID, nil, NewError(ErrOther))
	}
	blockHash := result.Block.Hash()
	if j.Seen(blockHash) {
		s.rejected("duplicate")
		return s.reply(req.ID, nil, NewError(ErrDuplicate))
	}

	if !result.Mined && !result.Shared {
		s.rejected("low-difficulty")
		return s.reply(req.ID, nil, NewError(ErrLowDifficulty))
	}

	// claim the hash before any network round-trip; when two sessions share
	// an extranonce1, the loser of this race gets the duplicate error
	if !j.MarkSubmitted(blockHash) {
		s.rejected("duplicate")
		return s.reply(req.ID, nil, NewError(ErrDuplicate))
	}

	mined := result.Mined
	if mined {
		reason, err := s.deps.Node.SubmitBlock(ctx,
			hex.EncodeToString(result.Payload), strconv.Itoa(int(s.algorithm)))
		if err != nil || reason != "" {
			// upstream refused: keep the share, drop the block claim
			s.log.WithField("reason", reason).WithError(err).Warn("block rejected upstream")
			mined = false
		} else {
			metrics.BlocksMined.WithLabelValues(s.algorithmName()).Inc()
			s.log.WithFields(logrus.Fields{
				"height": j.Height,
				"hash":   blockHash.String(),
			}).Info("block mined")
		}
	}

	s.accepted(history)
	metrics.SharesAccepted.WithLabelValues(s.algorithmName()).Inc()
	if err := s.reply(req.ID, true, nil); err != nil {
		return err
	}

	shareValue := avgFloat(history) / result.Block.Difficulty() / coefficient
	payoutID := int64(0)
	if s.deps.PayoutMethod != "transaction" {
		payoutID = -1
	}
	var storedHash []byte
	if mined {
		storedHash = blockHash[:]
	}
	s.mu.Lock()
	accountID := s.accountID
	s.mu.Unlock()
	if _, err := s.deps.DB.InsertShare(accountID, s.algorithm, storedHash, shareValue, payoutID); err != nil {
		s.log.WithError(err).Error("record share")
	}
	return nil
}

// accepted appends a work sample under the current difficulty.
func (s *Session) accepted(history []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nAccept++
	s.timeWorks = append(s.timeWorks, TimeWork{
		Time:       time.Now(),
		Difficulty: history[len(history)-1],
	})
	if len(s.timeWorks) > timeWorkHistorySize {
		s.timeWorks = s.timeWorks[len(s.timeWorks)-timeWorkHistorySize:]
	}
}

func (s *Session) rejected(reason string) {
	s.mu.Lock()
	s.nReject++
	s.mu.Unlock()
	metrics.SharesRejected.WithLabelValues(s.algorithmName(), reason).Inc()
}

func (s *Session) governorTripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nReject > rejectLimit && s.nAccept < s.nReject
}

// close tears the connection down and parks resumable state in the ring.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	st := &ClosedState{
		SubscriptionID: s.subscriptionID,
		Algorithm:      s.algorithm,
		Extranonce1:    s.extranonce1,
		Difficulty:     s.diffHistory[len(s.diffHistory)-1],
		SubmitSpan:     s.submitSpan,
		TimeWorks:      s.timeWorks,
		NAccept:        s.nAccept,
		NReject:        s.nReject,
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Close()
	s.deps.Registry.remove(s)
	metrics.SessionsActive.WithLabelValues(s.algorithmName()).Dec()
	if st.SubscriptionID != nil {
		s.deps.Registry.pushClosed(st)
	}
	s.log.Debug("session closed")
}

// Difficulty returns the session's current difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diffHistory[len(s.diffHistory)-1]
}

// TimeWorks snapshots the accepted-work history.
func (s *Session) TimeWorks() []TimeWork {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TimeWork(nil), s.timeWorks...)
}

// Algorithm returns the listener algorithm this session mines.
func (s *Session) Algorithm() int32 {
	return s.algorithm
}

// Authorized reports whether the session passed mining.authorize.
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAuthorized
}

// setDifficulty pushes a new difficulty into the bounded history.
func (s *Session) setDifficulty(d float64) {
	s.mu.Lock()
	s.diffHistory = append(s.diffHistory, d)
	if len(s.diffHistory) > difficultyHistorySize {
		s.diffHistory = s.diffHistory[len(s.diffHistory)-difficultyHistorySize:]
	}
	s.mu.Unlock()
}

// sendDifficulty notifies the miner of the current difficulty.
func (s *Session) sendDifficulty() {
	s.mu.Lock()
	closed := s.state == stateClosed
	d := s.diffHistory[len(s.diffHistory)-1]
	s.mu.Unlock()
	if closed {
		return
	}
	s.notify("mining.set_difficulty", []interface{}{d})
}

// ShowMessage sends a human-readable notice to the miner.
func (s *Session) ShowMessage(message string) {
	s.notify("client.show_message", []interface{}{message})
}

func (s *Session) reply(id, result interface{}, stratumErr *Error) error {
	return s.writeFrame(EncodeResponse(id, result, stratumErr))
}

func (s *Session) notify(method string, params interface{}) error {
	return s.writeFrame(EncodeNotification(method, params))
}

func (s *Session) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(frame)
	return err
}

func (s *Session) algorithmName() string {
	return strconv.Itoa(int(s.algorithm))
}

func minFloat(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func avgFloat(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
