package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/tickerex/internal/marketdata"
	"github.com/Aidin1998/tickerex/internal/messaging"
	"github.com/Aidin1998/tickerex/internal/pubsub"
	"github.com/Aidin1998/tickerex/internal/settlement"
	"github.com/Aidin1998/tickerex/internal/trading/ledger"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/internal/trading/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type EngineTestSuite struct {
	suite.Suite
	ctx    context.Context
	db     *gorm.DB
	orders *repository.OrderRepository
	ledger *ledger.Ledger
	broker *pubsub.MemoryBroker
	engine *Engine
	clock  time.Time
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(db.AutoMigrate(&model.Order{}, &model.Trade{}, &settlement.Message{}))

	logger := zaptest.NewLogger(s.T())
	s.ctx = context.Background()
	s.db = db
	s.orders = repository.NewOrderRepository(db, logger)
	s.ledger = ledger.New(repository.NewTradeRepository(db, logger), logger)
	s.broker = pubsub.NewMemoryBroker(64, logger)
	fanout := marketdata.NewPublisher(s.broker, s.orders, marketdata.Config{Depth: 10, RetryDelay: time.Millisecond}, logger)
	settle := settlement.NewPublisher(settlement.Topics{Credit: "accounts.balance.credit", Closed: "accounts.orders.closed"}, "tickers", logger, nil)
	s.engine = New(db, s.orders, s.ledger, settle, fanout, Config{}, logger)
	s.clock = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
}

func (s *EngineTestSuite) TearDownTest() {
	s.engine.Close()
}

// create persists an open order the way intake does, reserving its full cost
func (s *EngineTestSuite) create(user string, symbol string, side model.Side, typ model.OrderType, price, qty string) *model.Order {
	o := &model.Order{
		ID:          uuid.New(),
		Symbol:      symbol,
		Side:        side,
		Type:        typ,
		Price:       decimal.Zero,
		InitQty:     decimal.RequireFromString(qty),
		ExecutedQty: decimal.Zero,
		SpentAmount: decimal.Zero,
		Status:      model.StatusOpen,
		UserID:      user,
	}
	if price != "" {
		o.Price = decimal.RequireFromString(price)
	}
	o.ReservedAmount = o.InitQty
	if side == model.SideBuy {
		o.ReservedAmount = model.Notional(o.InitQty, o.Price)
	}
	s.clock = s.clock.Add(time.Millisecond)
	o.CreatedAt = s.clock
	s.Require().NoError(s.orders.Create(s.ctx, o))
	return o
}

func (s *EngineTestSuite) submit(o *model.Order) *model.Order {
	got, err := s.engine.Submit(s.ctx, o)
	s.Require().NoError(err)
	return got
}

func (s *EngineTestSuite) reload(o *model.Order) *model.Order {
	got, err := s.orders.Get(s.ctx, o.ID)
	s.Require().NoError(err)
	return got
}

func (s *EngineTestSuite) credits() []messaging.CreditMessage {
	var rows []settlement.Message
	s.Require().NoError(s.db.Where("kind = ?", settlement.KindCredit).Order("created_at, id").Find(&rows).Error)
	out := make([]messaging.CreditMessage, 0, len(rows))
	for _, row := range rows {
		var env messaging.Envelope
		s.Require().NoError(json.Unmarshal(row.Payload, &env))
		var c messaging.CreditMessage
		s.Require().NoError(json.Unmarshal(env.Data, &c))
		out = append(out, c)
	}
	return out
}

func (s *EngineTestSuite) creditsFor(user, currency, reason string) []messaging.CreditMessage {
	var out []messaging.CreditMessage
	for _, c := range s.credits() {
		if c.UserID == user && c.Currency == currency && c.Reason == reason {
			out = append(out, c)
		}
	}
	return out
}

func (s *EngineTestSuite) assertDecimal(expected string, actual decimal.Decimal) {
	s.T().Helper()
	s.Truef(decimal.RequireFromString(expected).Equal(actual), "expected %s, got %s", expected, actual)
}

func (s *EngineTestSuite) TestPartialFillAgainstRestingBuy() {
	a := s.submit(s.create("A", "AAPL/USD", model.SideBuy, model.TypeLimit, "100.00", "10"))
	s.Equal(model.StatusOpen, a.Status)
	s.assertDecimal("0", a.ExecutedQty)

	b := s.submit(s.create("B", "AAPL/USD", model.SideSell, model.TypeLimit, "100.00", "4"))
	s.Equal(model.StatusClosed, b.Status)
	s.assertDecimal("4", b.ExecutedQty)
	s.NotNil(b.EndedAt)

	a = s.reload(a)
	s.Equal(model.StatusOpen, a.Status)
	s.assertDecimal("4", a.ExecutedQty)
	s.Nil(a.EndedAt)

	trades, err := s.ledger.BySymbol(s.ctx, "AAPL/USD", 10)
	s.Require().NoError(err)
	s.Require().Len(trades, 1)
	s.assertDecimal("4", trades[0].Qty)
	s.assertDecimal("100", trades[0].Price)
	users, orders := trades[0].Users(), trades[0].Orders()
	s.ElementsMatch([]model.UserTrade{{UserID: "A", Side: model.SideBuy}, {UserID: "B", Side: model.SideSell}}, users[:])
	s.ElementsMatch([]uuid.UUID{a.ID, b.ID}, orders[:])

	credits := s.credits()
	s.Require().Len(credits, 2)
	s.Require().Len(s.creditsFor("B", "USD", settlement.ReasonFill), 1)
	s.assertDecimal("400", s.creditsFor("B", "USD", settlement.ReasonFill)[0].Amount)
	s.Require().Len(s.creditsFor("A", "AAPL", settlement.ReasonFill), 1)
	s.assertDecimal("4", s.creditsFor("A", "AAPL", settlement.ReasonFill)[0].Amount)
	s.Equal(credits[0].FillID, credits[1].FillID)
}

func (s *EngineTestSuite) TestPriceTimePriority() {
	s101 := s.create("m1", "BTC/USD", model.SideSell, model.TypeLimit, "101", "1")
	s100a := s.create("m2", "BTC/USD", model.SideSell, model.TypeLimit, "100", "1")
	s100b := s.create("m3", "BTC/USD", model.SideSell, model.TypeLimit, "100", "1")

	buy := s.submit(s.create("taker", "BTC/USD", model.SideBuy, model.TypeLimit, "101", "2"))
	s.Equal(model.StatusClosed, buy.Status)

	s.Equal(model.StatusClosed, s.reload(s100a).Status)
	s.Equal(model.StatusClosed, s.reload(s100b).Status)
	rest := s.reload(s101)
	s.Equal(model.StatusOpen, rest.Status)
	s.assertDecimal("0", rest.ExecutedQty)

	trades, err := s.ledger.ByOrder(s.ctx, buy.ID)
	s.Require().NoError(err)
	s.Require().Len(trades, 2)
	s.Equal(s100a.ID, trades[0].MakerOrderID)
	s.Equal(s100b.ID, trades[1].MakerOrderID)
	for _, t := range trades {
		s.assertDecimal("100", t.Price)
		s.assertDecimal("1", t.Qty)
	}

	// reserved 202 at the limit, paid 200 at the makers' prices
	refunds := s.creditsFor("taker", "USD", settlement.ReasonRefund)
	s.Require().Len(refunds, 1)
	s.assertDecimal("2", refunds[0].Amount)
}

func (s *EngineTestSuite) TestSelfFillSettlesWithoutTrade() {
	s.submit(s.create("same", "ETH/USD", model.SideSell, model.TypeLimit, "50", "2"))
	buy := s.submit(s.create("same", "ETH/USD", model.SideBuy, model.TypeLimit, "50", "2"))
	s.Equal(model.StatusClosed, buy.Status)

	trades, err := s.ledger.ByUser(s.ctx, "same", "")
	s.Require().NoError(err)
	s.Empty(trades)

	s.Require().Len(s.creditsFor("same", "ETH", settlement.ReasonFill), 1)
	s.Require().Len(s.creditsFor("same", "USD", settlement.ReasonFill), 1)
	s.assertDecimal("100", s.creditsFor("same", "USD", settlement.ReasonFill)[0].Amount)
}

func (s *EngineTestSuite) TestMarketSellIntoEmptyBookCancelsRemainder() {
	o := s.submit(s.create("C", "AAPL/USD", model.SideSell, model.TypeMarket, "", "10"))
	s.Equal(model.StatusCanceled, o.Status)
	s.assertDecimal("0", o.ExecutedQty)
	s.NotNil(o.EndedAt)

	refunds := s.creditsFor("C", "AAPL", settlement.ReasonRefund)
	s.Require().Len(refunds, 1)
	s.assertDecimal("10", refunds[0].Amount)

	var closed int64
	s.Require().NoError(s.db.Model(&settlement.Message{}).Where("kind = ?", settlement.KindOrderClosed).Count(&closed).Error)
	s.EqualValues(1, closed)
}

func (s *EngineTestSuite) TestMarketBuyStopsAtReservation() {
	s.create("m1", "BTC/USD", model.SideSell, model.TypeLimit, "100", "1")
	s.create("m2", "BTC/USD", model.SideSell, model.TypeLimit, "120", "5")

	buy := s.create("taker", "BTC/USD", model.SideBuy, model.TypeMarket, "", "3")
	s.Require().NoError(s.db.Model(&model.Order{}).Where("id = ?", buy.ID).Update("reserved_amount", decimal.RequireFromString("300")).Error)

	got := s.submit(buy)
	s.Equal(model.StatusCanceled, got.Status)
	s.assertDecimal("2.6666", got.ExecutedQty)
	s.assertDecimal("299.992", got.SpentAmount)

	refunds := s.creditsFor("taker", "USD", settlement.ReasonRefund)
	s.Require().Len(refunds, 1)
	s.assertDecimal("0.008", refunds[0].Amount)
}

func (s *EngineTestSuite) TestCancel() {
	a := s.submit(s.create("A", "AAPL/USD", model.SideBuy, model.TypeLimit, "100", "10"))
	s.submit(s.create("B", "AAPL/USD", model.SideSell, model.TypeLimit, "100", "4"))

	_, err := s.engine.Cancel(s.ctx, a, "B")
	s.ErrorIs(err, ErrForbidden)

	canceled, err := s.engine.Cancel(s.ctx, a, "A")
	s.Require().NoError(err)
	s.Equal(model.StatusCanceled, canceled.Status)
	s.assertDecimal("4", canceled.ExecutedQty)

	refunds := s.creditsFor("A", "USD", settlement.ReasonRefund)
	s.Require().Len(refunds, 1)
	s.assertDecimal("600", refunds[0].Amount)

	_, err = s.engine.Cancel(s.ctx, a, "A")
	s.ErrorIs(err, ErrNotOpen)

	_, err = s.engine.Cancel(s.ctx, &model.Order{ID: uuid.New(), Symbol: "AAPL/USD"}, "A")
	s.ErrorIs(err, ErrNotFound)
}

func (s *EngineTestSuite) TestResubmitIsNoop() {
	s.submit(s.create("m", "BTC/USD", model.SideSell, model.TypeLimit, "100", "1"))
	buy := s.create("t", "BTC/USD", model.SideBuy, model.TypeLimit, "100", "1")
	first := s.submit(buy)
	s.Equal(model.StatusClosed, first.Status)
	before := len(s.credits())

	again := s.submit(buy)
	s.Equal(first.FillSeq, again.FillSeq)
	s.Len(s.credits(), before)

	trades, err := s.ledger.BySymbol(s.ctx, "BTC/USD", 10)
	s.Require().NoError(err)
	s.Len(trades, 1)
}

func (s *EngineTestSuite) TestConcurrentSubmitsNeverOverfill() {
	sell := s.submit(s.create("maker", "BTC/USD", model.SideSell, model.TypeLimit, "100", "5"))

	buys := make([]*model.Order, 12)
	for i := range buys {
		buys[i] = s.create("buyer", "BTC/USD", model.SideBuy, model.TypeLimit, "100", "1")
	}

	var wg sync.WaitGroup
	for _, b := range buys {
		wg.Add(1)
		go func(o *model.Order) {
			defer wg.Done()
			_, err := s.engine.Submit(s.ctx, o)
			s.NoError(err)
		}(b)
	}
	wg.Wait()

	sell = s.reload(sell)
	s.Equal(model.StatusClosed, sell.Status)
	s.assertDecimal("5", sell.ExecutedQty)

	total := decimal.Zero
	for _, b := range buys {
		got := s.reload(b)
		s.True(got.ExecutedQty.LessThanOrEqual(got.InitQty))
		total = total.Add(got.ExecutedQty)
	}
	s.assertDecimal("5", total)
}

func (s *EngineTestSuite) TestPassPublishesMarketData() {
	q, err := s.broker.NewQueue(s.ctx)
	s.Require().NoError(err)
	defer q.Close()
	s.Require().NoError(q.Bind(s.ctx, pubsub.BroadcastTopic("BTC/USD")))
	s.Require().NoError(q.Bind(s.ctx, pubsub.PrivateTopic("maker")))

	s.submit(s.create("maker", "BTC/USD", model.SideSell, model.TypeLimit, "100", "2"))
	targets := s.drain(q)
	s.Equal([]string{marketdata.TargetLastOrders}, targets)

	s.submit(s.create("taker", "BTC/USD", model.SideBuy, model.TypeLimit, "100", "1"))
	targets = s.drain(q)
	s.Equal([]string{marketdata.TargetNewTrades, marketdata.TargetLastOrders, marketdata.TargetOrder}, targets)
}

func (s *EngineTestSuite) drain(q pubsub.Queue) []string {
	var targets []string
	for {
		select {
		case m := <-q.Messages():
			var env marketdata.Envelope
			s.Require().NoError(json.Unmarshal(m.Payload, &env))
			targets = append(targets, env.Target)
		case <-time.After(50 * time.Millisecond):
			return targets
		}
	}
}

func (s *EngineTestSuite) TestClosedEngineRejects() {
	o := s.create("A", "AAPL/USD", model.SideBuy, model.TypeLimit, "1", "1")
	s.engine.Close()
	_, err := s.engine.Submit(s.ctx, o)
	s.ErrorIs(err, ErrClosed)
}

// bumpFillSeq advances the fill_seq of id inside the nth order write that
// reaches the database, as a concurrent writer would. It fires once.
func bumpFillSeq(t *testing.T, db *gorm.DB, id uuid.UUID, nth int32) {
	var calls int32
	err := db.Callback().Update().Before("gorm:update").Register("test:bump_fill_seq", func(tx *gorm.DB) {
		if tx.Statement.Table != "orders" || atomic.AddInt32(&calls, 1) != nth {
			return
		}
		_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE orders SET fill_seq = fill_seq + 1 WHERE id = ?", id)
		if err != nil {
			tx.AddError(err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (s *EngineTestSuite) count(table interface{}) int64 {
	var n int64
	s.Require().NoError(s.db.Model(table).Count(&n).Error)
	return n
}

func (s *EngineTestSuite) TestStaleWriteRollsBackWholeFill() {
	maker := s.submit(s.create("m", "BTC/USD", model.SideSell, model.TypeLimit, "100", "2"))
	taker := s.create("t", "BTC/USD", model.SideBuy, model.TypeLimit, "100", "1")
	// the maker is written first, so the second write is the taker's
	bumpFillSeq(s.T(), s.db, taker.ID, 2)

	_, err := s.engine.Submit(s.ctx, taker)
	s.Require().ErrorIs(err, repository.ErrConflict)

	m := s.reload(maker)
	s.EqualValues(0, m.FillSeq)
	s.assertDecimal("0", m.ExecutedQty)
	s.Equal(model.StatusOpen, m.Status)

	t := s.reload(taker)
	s.EqualValues(0, t.FillSeq)
	s.assertDecimal("0", t.ExecutedQty)

	s.Zero(s.count(&model.Trade{}))
	s.Zero(s.count(&settlement.Message{}))

	// the next pass starts from the untouched rows
	got := s.submit(taker)
	s.Equal(model.StatusClosed, got.Status)
	s.EqualValues(1, s.count(&model.Trade{}))
}

type panickyNotifier struct {
	Notifier
	once sync.Once
}

func (n *panickyNotifier) PublishTrades(ctx context.Context, symbol string, trades []*model.Trade) error {
	n.once.Do(func() { panic("broker exploded") })
	return n.Notifier.PublishTrades(ctx, symbol, trades)
}

func (s *EngineTestSuite) TestPanicInPassIsRecovered() {
	s.engine.Close()
	s.engine = New(s.db, s.orders, s.ledger, s.engine.settlement, &panickyNotifier{Notifier: s.engine.notifier}, Config{}, zaptest.NewLogger(s.T()))

	first := s.create("A", "AAPL/USD", model.SideBuy, model.TypeLimit, "10", "1")
	_, err := s.engine.Submit(s.ctx, first)
	s.ErrorIs(err, errPanicked)

	// the worker survives and keeps serving the symbol
	second := s.submit(s.create("B", "AAPL/USD", model.SideSell, model.TypeLimit, "10", "1"))
	s.Equal(model.StatusClosed, second.Status)
	s.Equal(model.StatusClosed, s.reload(first).Status)
}

func (s *EngineTestSuite) TestAbandonRefundsAfterClose() {
	maker := s.submit(s.create("m", "BTC/USD", model.SideSell, model.TypeLimit, "100", "1"))
	stuck := s.create("t", "BTC/USD", model.SideBuy, model.TypeLimit, "100", "3")
	s.engine.Close()

	got, err := s.engine.Abandon(s.ctx, stuck.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusCanceled, got.Status)
	s.assertDecimal("0", got.ExecutedQty)

	refunds := s.creditsFor("t", "USD", settlement.ReasonRefund)
	s.Require().Len(refunds, 1)
	s.assertDecimal("300", refunds[0].Amount)

	again, err := s.engine.Abandon(s.ctx, stuck.ID)
	s.Require().NoError(err)
	s.Equal(got.FillSeq, again.FillSeq)
	s.Len(s.creditsFor("t", "USD", settlement.ReasonRefund), 1)

	s.Equal(model.StatusOpen, s.reload(maker).Status)
}

func (s *EngineTestSuite) TestIdleWorkersRetire() {
	s.engine.Close()
	s.engine = New(s.db, s.orders, s.ledger, s.engine.settlement, s.engine.notifier, Config{IdleTimeout: 20 * time.Millisecond}, zaptest.NewLogger(s.T()))

	workers := func() int {
		s.engine.mu.Lock()
		defer s.engine.mu.Unlock()
		return len(s.engine.workers)
	}

	s.submit(s.create("A", "AAPL/USD", model.SideBuy, model.TypeLimit, "10", "1"))
	s.submit(s.create("A", "BTC/USD", model.SideBuy, model.TypeLimit, "10", "1"))
	s.Eventually(func() bool { return workers() == 0 }, 2*time.Second, 5*time.Millisecond)

	got := s.submit(s.create("B", "AAPL/USD", model.SideSell, model.TypeLimit, "10", "1"))
	s.Equal(model.StatusClosed, got.Status)
}
