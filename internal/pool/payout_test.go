package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratumd/internal/config"
	"stratumd/internal/database"
	"stratumd/internal/node"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Payout.MinConfirm = 20
	cfg.Payout.MinAmount = 5000000
	cfg.Payout.IgnoreAmount = 1000
	cfg.Payout.OwnerFee = 0.05
	return cfg
}

func openPoolDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type sendManyRecorder struct {
	mu    sync.Mutex
	pairs [][3]interface{}
}

// payoutNode serves the three endpoints a payout cycle touches.
func payoutNode(t *testing.T, reward uint64, confirmedHeight float64, rec *sendManyRecorder) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/public/getchaininfo":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"best": map[string]interface{}{"height": 1000},
			})
		case "/public/getblockbyhash":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"height":   confirmedHeight,
				"f_orphan": false,
				"txs": []interface{}{
					map[string]interface{}{
						"outputs": []interface{}{[]interface{}{"owner-address", 0, reward}},
					},
				},
			})
		case "/private/sendmany":
			var body map[string][][3]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			rec.mu.Lock()
			rec.pairs = append(rec.pairs, body["pairs"]...)
			rec.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{"hash": "deadbeef"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestPayoutCycleSettlesWindow(t *testing.T) {
	db := openPoolDB(t)
	cfg := testConfig()

	a, _ := db.AccountID("addr-a", true)
	b, _ := db.AccountID("addr-b", true)
	c, _ := db.AccountID("addr-c", true)

	begin, err := db.InsertShare(a, 0, nil, 0.3, 0)
	require.NoError(t, err)
	_, err = db.InsertShare(b, 0, nil, 0.5, 0)
	require.NoError(t, err)
	_, err = db.InsertShare(c, 0, nil, 0.2, 0)
	require.NoError(t, err)
	// the solved block arrives last; its time becomes the window end
	end, err := db.InsertShare(a, 0, []byte{0xab, 0xcd}, 0.0, 0)
	require.NoError(t, err)

	// reward chosen so the 5% owner fee leaves exactly 100000000
	rec := &sendManyRecorder{}
	srv := payoutNode(t, 105263158, 100, rec)
	defer srv.Close()

	p := New(db, node.NewClient(srv.URL), nil, nil, nil, cfg,
		logrus.WithField("component", "test"))
	require.NoError(t, p.payoutCycle(context.Background()))

	rec.mu.Lock()
	pairs := rec.pairs
	rec.mu.Unlock()
	require.Len(t, pairs, 3)
	amounts := map[string]float64{}
	for _, pair := range pairs {
		amounts[pair[0].(string)] = pair[2].(float64)
	}
	assert.Equal(t, float64(30000000), amounts["addr-a"])
	assert.Equal(t, float64(50000000), amounts["addr-b"])
	assert.Equal(t, float64(20000000), amounts["addr-c"])

	payout, err := db.PayoutByTxHash([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	assert.Equal(t, uint64(100000000), payout.Amount)
	assert.Equal(t, begin, payout.Begin)
	assert.Equal(t, end, payout.End)

	// all window shares settled; the mined row itself sits at end and
	// stays open for the next cycle
	unpaid, err := db.TotalUnpaidShares(begin-1, end+1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, unpaid, 1e-9)
}

func TestPayoutCycleSkipsImmatureBlocks(t *testing.T) {
	db := openPoolDB(t)
	cfg := testConfig()

	a, _ := db.AccountID("addr-a", true)
	_, err := db.InsertShare(a, 0, nil, 1.0, 0)
	require.NoError(t, err)
	_, err = db.InsertShare(a, 0, []byte{0x01}, 0.0, 0)
	require.NoError(t, err)

	// height 995 against best 1000 is inside the 20-block confirm window
	rec := &sendManyRecorder{}
	srv := payoutNode(t, 105263158, 995, rec)
	defer srv.Close()

	p := New(db, node.NewClient(srv.URL), nil, nil, nil, cfg,
		logrus.WithField("component", "test"))
	err = p.payoutCycle(context.Background())
	assert.ErrorIs(t, err, errSkipCycle)
	assert.Empty(t, rec.pairs, "nothing sent for immature blocks")

	last, err := db.LastPayout()
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestPayoutCycleIgnoresDustAccounts(t *testing.T) {
	db := openPoolDB(t)
	cfg := testConfig()
	cfg.Payout.IgnoreAmount = 40000000

	a, _ := db.AccountID("addr-a", true)
	b, _ := db.AccountID("addr-b", true)
	_, err := db.InsertShare(a, 0, nil, 0.3, 0)
	require.NoError(t, err)
	_, err = db.InsertShare(b, 0, nil, 0.7, 0)
	require.NoError(t, err)
	_, err = db.InsertShare(a, 0, []byte{0x02}, 0.0, 0)
	require.NoError(t, err)

	rec := &sendManyRecorder{}
	srv := payoutNode(t, 105263158, 100, rec)
	defer srv.Close()

	p := New(db, node.NewClient(srv.URL), nil, nil, nil, cfg,
		logrus.WithField("component", "test"))
	require.NoError(t, p.payoutCycle(context.Background()))

	require.Len(t, rec.pairs, 1)
	assert.Equal(t, "addr-b", rec.pairs[0][0])
}

func TestPayoutRollbackOnSendFailure(t *testing.T) {
	db := openPoolDB(t)
	cfg := testConfig()

	a, _ := db.AccountID("addr-a", true)
	_, err := db.InsertShare(a, 0, nil, 1.0, 0)
	require.NoError(t, err)
	_, err = db.InsertShare(a, 0, []byte{0x03}, 0.0, 0)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/public/getchaininfo":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"best": map[string]interface{}{"height": 1000},
			})
		case "/public/getblockbyhash":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"height": 100, "f_orphan": false,
				"txs": []interface{}{map[string]interface{}{
					"outputs": []interface{}{[]interface{}{"owner", 0, 105263158}},
				}},
			})
		case "/private/sendmany":
			http.Error(w, "wallet locked", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := New(db, node.NewClient(srv.URL), nil, nil, nil, cfg,
		logrus.WithField("component", "test"))
	err = p.payoutCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet locked")

	// no payout row, shares untouched
	last, err := db.LastPayout()
	require.NoError(t, err)
	assert.Nil(t, last)
	total, err := db.TotalUnpaidShares(0, float64(time.Now().UnixNano())/1e9+1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, total, 1e-9)
}
