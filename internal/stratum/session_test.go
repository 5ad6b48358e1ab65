package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratumd/internal/block"
	"stratumd/internal/database"
	"stratumd/internal/job"
	"stratumd/internal/node"
)

const (
	algoAlwaysMined = int32(920)
	algoNeverShared = int32(921)
)

func init() {
	block.RegisterWorkHash(algoAlwaysMined, func([]byte) chainhash.Hash { return chainhash.Hash{} })
	block.RegisterWorkHash(algoNeverShared, func([]byte) chainhash.Hash {
		var h chainhash.Hash
		for i := range h {
			h[i] = 0xff
		}
		return h
	})
}

type testPool struct {
	deps    Deps
	db      *database.DB
	builder *job.Builder
	addr    string
}

// newTestPool spins up a session-per-connection acceptor backed by a temp
// database and a stub upstream node that accepts every block.
func newTestPool(t *testing.T) *testPool {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": null, "error": null, "id": 1}`))
	}))
	t.Cleanup(upstream.Close)

	client := node.NewClient(upstream.URL)
	builder := job.NewBuilder(job.BuilderOptions{
		Node:         client,
		Cache:        job.NewCache(),
		PayoutMethod: "transaction",
		Bech32HRP:    "test",
		Log:          logrus.WithField("component", "test"),
	})

	deps := Deps{
		DB:           db,
		Builder:      builder,
		Node:         client,
		Registry:     NewRegistry(),
		Log:          logrus.WithField("component", "stratum"),
		HostName:     "pool.test",
		Bech32HRP:    "test",
		PayoutMethod: "transaction",
		Coefficient: func(int32) (float64, bool) {
			return 1.0, true
		},
	}
	return &testPool{deps: deps, db: db, builder: builder}
}

// dial starts a session handler on an ephemeral TCP port and connects to it.
func (p *testPool) dial(t *testing.T, algorithm int32) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	listen := ListenerConfig{
		Port:              ln.Addr().(*net.TCPAddr).Port,
		Algorithm:         algorithm,
		InitialDifficulty: 4.0,
		SubmitSpanSec:     30,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		newSession(conn, listen, p.deps).Handle(ctx)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// seedJob plants a job in the cache without touching the node.
func (p *testPool) seedJob(t *testing.T, algorithm int32) *job.Job {
	t.Helper()
	var owner block.RawAddress
	owner[1] = 0xaa
	tx := &block.Tx{
		Version: 1,
		Outputs: []block.TxOutput{{Address: owner, Amount: 5000000000}},
		Message: append([]byte("seed"), make([]byte, job.ExtranoncePlaceholder)...),
	}
	coinbase := tx.Serialize()
	j := &job.Job{
		Coinbase1: coinbase[:len(coinbase)-job.ExtranoncePlaceholder],
		Coinbase2: []byte{},
		Version:   2,
		Bits:      0x207fffff,
		NTime:     1600000000,
		Height:    10,
		Algorithm: algorithm,
		CreatedAt: time.Now(),
	}
	p.builder.Cache().Add(j)
	return j
}

func send(t *testing.T, conn net.Conn, id int, method string, params ...interface{}) {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	frame, err := json.Marshal(map[string]interface{}{
		"id": id, "method": method, "params": params,
	})
	require.NoError(t, err)
	_, err = conn.Write(append(frame, '\n'))
	require.NoError(t, err)
}

// readReply reads frames until a response (id set) arrives, discarding
// notifications along the way.
func readReply(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	for {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &frame))
		if _, isNotification := frame["method"]; isNotification {
			continue
		}
		return frame
	}
}

func errorCode(t *testing.T, reply map[string]interface{}) int {
	t.Helper()
	errObj, ok := reply["error"].(map[string]interface{})
	require.True(t, ok, "expected error in %v", reply)
	return int(errObj["code"].(float64))
}

func testAddress(t *testing.T) string {
	t.Helper()
	var raw block.RawAddress
	raw[1] = 0xbb
	addr, err := block.EncodeAddress("test", raw)
	require.NoError(t, err)
	return addr
}

func subscribe(t *testing.T, conn net.Conn, r *bufio.Reader) (sidHex, en1Hex string) {
	t.Helper()
	send(t, conn, 1, "mining.subscribe", "miner/1.0")
	reply := readReply(t, r)
	require.Nil(t, reply["error"])
	result := reply["result"].([]interface{})
	require.Len(t, result, 3)
	subscriptions := result[0].([]interface{})
	sidHex = subscriptions[0].([]interface{})[1].(string)
	en1Hex = result[1].(string)
	assert.Equal(t, float64(4), result[2])
	return sidHex, en1Hex
}

func TestSubscribeAllocatesSubscription(t *testing.T) {
	p := newTestPool(t)
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)

	sidHex, en1Hex := subscribe(t, conn, r)
	sid, err := hex.DecodeString(sidHex)
	require.NoError(t, err)
	require.Len(t, sid, database.SubscriptionIDSize)

	en1, err := p.db.SubscriptionExtranonce(sid)
	require.NoError(t, err)
	assert.Equal(t, en1Hex, hex.EncodeToString(en1))
}

func TestSubscribeResumesFromStore(t *testing.T) {
	p := newTestPool(t)

	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)
	sidHex, en1Hex := subscribe(t, conn, r)
	conn.Close()

	conn2 := p.dial(t, 0)
	r2 := bufio.NewReader(conn2)
	send(t, conn2, 1, "mining.subscribe", "miner/1.0", sidHex)
	reply := readReply(t, r2)
	result := reply["result"].([]interface{})
	assert.Equal(t, en1Hex, result[1].(string), "extranonce1 survives reconnect")
}

func TestAuthorizeQuirkAndSuccess(t *testing.T) {
	p := newTestPool(t)
	p.seedJob(t, 0)
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)
	subscribe(t, conn, r)

	// bad address: result=false with no error object
	send(t, conn, 2, "mining.authorize", "not-an-address", "x")
	reply := readReply(t, r)
	assert.Equal(t, false, reply["result"])
	assert.Nil(t, reply["error"])

	send(t, conn, 3, "mining.authorize", testAddress(t), "x")
	reply = readReply(t, r)
	assert.Equal(t, true, reply["result"])

	// the current best job is pushed right after authorization
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var notif map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &notif))
	assert.Equal(t, "mining.notify", notif["method"])
	params := notif["params"].([]interface{})
	require.Len(t, params, 9)
	assert.Equal(t, false, params[8], "post-authorize notify is not clean")
}

func TestSubmitRequiresAuthorization(t *testing.T) {
	p := newTestPool(t)
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)

	send(t, conn, 1, "mining.submit", "user", "00000001", "00000000", "5f5e1100", "00000000")
	assert.Equal(t, ErrNotSubscribed, errorCode(t, readReply(t, r)))

	subscribe(t, conn, r)
	send(t, conn, 2, "mining.submit", "user", "00000001", "00000000", "5f5e1100", "00000000")
	assert.Equal(t, ErrUnauthorized, errorCode(t, readReply(t, r)))
}

func authorizedConn(t *testing.T, p *testPool, algorithm int32) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn := p.dial(t, algorithm)
	r := bufio.NewReader(conn)
	subscribe(t, conn, r)
	send(t, conn, 2, "mining.authorize", testAddress(t), "x")
	reply := readReply(t, r)
	require.Equal(t, true, reply["result"])
	return conn, r
}

func TestSubmitAcceptsAndRejectsDuplicate(t *testing.T) {
	p := newTestPool(t)
	j := p.seedJob(t, algoAlwaysMined)
	conn, r := authorizedConn(t, p, algoAlwaysMined)

	jobID := fmt.Sprintf("%08x", j.ID)
	ntime := fmt.Sprintf("%08x", j.NTime)
	send(t, conn, 3, "mining.submit", testAddress(t), jobID, "01020304", ntime, "0a0b0c0d")
	reply := readReply(t, r)
	assert.Equal(t, true, reply["result"], "first submit accepted: %v", reply)

	send(t, conn, 4, "mining.submit", testAddress(t), jobID, "01020304", ntime, "0a0b0c0d")
	assert.Equal(t, ErrDuplicate, errorCode(t, readReply(t, r)))

	// distinct extranonce2 is a fresh share
	send(t, conn, 5, "mining.submit", testAddress(t), jobID, "01020305", ntime, "0a0b0c0d")
	reply = readReply(t, r)
	assert.Equal(t, true, reply["result"])
}

// Two sessions can legitimately share an extranonce1: resuming a
// subscription from the store does not consume the row. Identical
// submissions racing through the block-submission window must still yield
// exactly one accept and one duplicate.
func TestConcurrentDuplicateSubmitCreditsOnce(t *testing.T) {
	p := newTestPool(t)
	j := p.seedJob(t, algoAlwaysMined)

	// slow upstream widens the window between the duplicate check and the
	// submitted-hash claim
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"result": null, "error": null, "id": 1}`))
	}))
	t.Cleanup(slow.Close)
	p.deps.Node = node.NewClient(slow.URL)

	conn1 := p.dial(t, algoAlwaysMined)
	r1 := bufio.NewReader(conn1)
	sidHex, en1Hex := subscribe(t, conn1, r1)
	send(t, conn1, 2, "mining.authorize", testAddress(t), "x")
	require.Equal(t, true, readReply(t, r1)["result"])

	conn2 := p.dial(t, algoAlwaysMined)
	r2 := bufio.NewReader(conn2)
	send(t, conn2, 1, "mining.subscribe", "miner/1.0", sidHex)
	reply := readReply(t, r2)
	require.Equal(t, en1Hex, reply["result"].([]interface{})[1].(string),
		"second session resumes the same extranonce1")
	send(t, conn2, 2, "mining.authorize", testAddress(t), "x")
	require.Equal(t, true, readReply(t, r2)["result"])

	frame, err := json.Marshal(map[string]interface{}{
		"id":     3,
		"method": "mining.submit",
		"params": []interface{}{testAddress(t), fmt.Sprintf("%08x", j.ID),
			"01020304", fmt.Sprintf("%08x", j.NTime), "0a0b0c0d"},
	})
	require.NoError(t, err)
	frame = append(frame, '\n')

	var wg sync.WaitGroup
	replies := make([]map[string]interface{}, 2)
	for i, c := range []struct {
		conn net.Conn
		r    *bufio.Reader
	}{{conn1, r1}, {conn2, r2}} {
		wg.Add(1)
		go func(i int, conn net.Conn, r *bufio.Reader) {
			defer wg.Done()
			if _, err := conn.Write(frame); err != nil {
				return
			}
			for {
				line, err := r.ReadBytes('\n')
				if err != nil {
					return
				}
				var f map[string]interface{}
				if json.Unmarshal(line, &f) != nil {
					return
				}
				if _, isNotification := f["method"]; isNotification {
					continue
				}
				replies[i] = f
				return
			}
		}(i, c.conn, c.r)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for _, f := range replies {
		require.NotNil(t, f, "both sessions must get a response")
		if f["result"] == true {
			accepted++
		} else if errObj, ok := f["error"].(map[string]interface{}); ok &&
			int(errObj["code"].(float64)) == ErrDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one submission wins: %v", replies)
	assert.Equal(t, 1, duplicates, "the other gets the duplicate error: %v", replies)

	// a single share row, credited once
	require.Eventually(t, func() bool {
		mined, err := p.db.LatestMinedShares()
		return err == nil && len(mined) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	mined, err := p.db.LatestMinedShares()
	require.NoError(t, err)
	assert.Len(t, mined, 1, "duplicate never reaches the share table")
}

func TestSubmitRecordsMinedShare(t *testing.T) {
	p := newTestPool(t)
	j := p.seedJob(t, algoAlwaysMined)
	conn, r := authorizedConn(t, p, algoAlwaysMined)

	send(t, conn, 3, "mining.submit", testAddress(t),
		fmt.Sprintf("%08x", j.ID), "01020304", fmt.Sprintf("%08x", j.NTime), "0a0b0c0d")
	reply := readReply(t, r)
	require.Equal(t, true, reply["result"])

	var mined []database.MinedShare
	require.Eventually(t, func() bool {
		var err error
		mined, err = p.db.LatestMinedShares()
		return err == nil && len(mined) == 1
	}, 2*time.Second, 10*time.Millisecond, "mined share is persisted with its blockhash")
	assert.Len(t, mined[0].Blockhash, chainhash.HashSize)
}

func TestSubmitLowDifficulty(t *testing.T) {
	p := newTestPool(t)
	j := p.seedJob(t, algoNeverShared)
	conn, r := authorizedConn(t, p, algoNeverShared)

	send(t, conn, 3, "mining.submit", testAddress(t),
		fmt.Sprintf("%08x", j.ID), "01020304", fmt.Sprintf("%08x", j.NTime), "0a0b0c0d")
	assert.Equal(t, ErrLowDifficulty, errorCode(t, readReply(t, r)))
}

func TestSubmitChecksJobAndNTime(t *testing.T) {
	p := newTestPool(t)
	j := p.seedJob(t, algoAlwaysMined)
	conn, r := authorizedConn(t, p, algoAlwaysMined)

	send(t, conn, 3, "mining.submit", testAddress(t), "00ffffff", "01020304",
		fmt.Sprintf("%08x", j.NTime), "0a0b0c0d")
	assert.Equal(t, ErrJobNotFound, errorCode(t, readReply(t, r)))

	// an ntime that parses but mismatches the job is "other", not "job
	// not found"
	send(t, conn, 4, "mining.submit", testAddress(t),
		fmt.Sprintf("%08x", j.ID), "01020304", "00000001", "0a0b0c0d")
	assert.Equal(t, ErrOther, errorCode(t, readReply(t, r)))
}

func TestGetTransactions(t *testing.T) {
	p := newTestPool(t)
	j := p.seedJob(t, 0)
	var txHash chainhash.Hash
	txHash[0] = 0x11
	j.Unconfirmed = append(j.Unconfirmed, job.UnconfirmedTx{Hash: txHash, Raw: []byte{1}})
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)
	subscribe(t, conn, r)

	send(t, conn, 2, "mining.get_transactions", fmt.Sprintf("%08x", j.ID))
	reply := readReply(t, r)
	hashes := reply["result"].([]interface{})
	require.Len(t, hashes, 1)
	// display order: byte-reversed
	assert.Equal(t, "11", hashes[0].(string)[62:64])

	send(t, conn, 3, "mining.get_transactions", "00ffffff")
	assert.Equal(t, ErrJobNotFound, errorCode(t, readReply(t, r)))
}

func TestSuggestDifficultyKeepsSessionOpen(t *testing.T) {
	p := newTestPool(t)
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)
	subscribe(t, conn, r)

	send(t, conn, 2, "mining.suggest_difficulty", 64)
	assert.Equal(t, ErrOther, errorCode(t, readReply(t, r)))

	// still answers afterwards
	send(t, conn, 3, "mining.extranonce.subscribe")
	reply := readReply(t, r)
	assert.Equal(t, true, reply["result"])
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	p := newTestPool(t)
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r.ReadBytes('\n')
	assert.Error(t, err, "connection closed on protocol violation")
}

func TestUnknownNamespaceClosesConnection(t *testing.T) {
	p := newTestPool(t)
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)

	send(t, conn, 1, "admin.shutdown")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := r.ReadBytes('\n')
	assert.Error(t, err)
}

func TestBroadcastMatchesAlgorithm(t *testing.T) {
	p := newTestPool(t)
	connA := p.dial(t, 0)
	rA := bufio.NewReader(connA)
	subscribe(t, connA, rA)
	connB := p.dial(t, 5)
	rB := bufio.NewReader(connB)
	subscribe(t, connB, rB)

	require.Eventually(t, func() bool {
		return p.deps.Registry.Count(-1) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sent := p.deps.Registry.Broadcast("mining.set_difficulty", []interface{}{8.0}, 0)
	assert.Equal(t, 1, sent)

	line, err := rA.ReadBytes('\n')
	require.NoError(t, err)
	var notif map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &notif))
	assert.Equal(t, "mining.set_difficulty", notif["method"])
}

func TestClosedSessionEntersRing(t *testing.T) {
	p := newTestPool(t)
	conn := p.dial(t, 0)
	r := bufio.NewReader(conn)
	sidHex, en1Hex := subscribe(t, conn, r)
	conn.Close()

	sid, err := hex.DecodeString(sidHex)
	require.NoError(t, err)
	var st *ClosedState
	require.Eventually(t, func() bool {
		st = p.deps.Registry.takeClosed(sid, 0)
		return st != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, en1Hex, hex.EncodeToString(st.Extranonce1))
	assert.Equal(t, 4.0, st.Difficulty)
}
