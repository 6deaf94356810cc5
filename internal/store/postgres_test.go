package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/model"
)

type execCall struct {
	sql  string
	args []any
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type fakePool struct {
	execs    []execCall
	execTag  pgconn.CommandTag
	queryRow pgx.Row
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.execTag, nil
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not used")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.queryRow
}

func (f *fakePool) Close() {}

var _ = Describe("Postgres", func() {
	var (
		pool *fakePool
		pg   *Postgres
		ctx  context.Context
		now  time.Time
	)

	BeforeEach(func() {
		pool = &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1"), queryRow: errRow{err: pgx.ErrNoRows}}
		pg = &Postgres{db: pool, logger: zap.NewNop()}
		ctx = context.Background()
		now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	})

	Describe("Migrate", func() {
		It("should apply the embedded schema", func() {
			Expect(pg.Migrate(ctx)).To(Succeed())
			Expect(pool.execs).To(HaveLen(1))
			Expect(pool.execs[0].sql).To(ContainSubstring("CREATE TABLE IF NOT EXISTS subscriptions"))
			Expect(pool.execs[0].sql).To(ContainSubstring("CREATE TABLE IF NOT EXISTS notification_logs"))
		})
	})

	Describe("UpdateReceipt", func() {
		It("should report not found when no row changed", func() {
			pool.execTag = pgconn.NewCommandTag("UPDATE 0")
			err := pg.UpdateReceipt(ctx, &model.Receipt{ID: "r-1"})
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should update by id", func() {
			Expect(pg.UpdateReceipt(ctx, &model.Receipt{ID: "r-1", ProcessingStatus: model.StatusFailed})).To(Succeed())
			Expect(pool.execs[0].sql).To(HavePrefix("UPDATE receipts SET"))
			Expect(pool.execs[0].sql).To(ContainSubstring("WHERE id = $"))
			Expect(pool.execs[0].args).To(ContainElement("failed"))
		})
	})

	Describe("GetReceipt", func() {
		It("should map no rows to ErrNotFound", func() {
			_, err := pg.GetReceipt(ctx, "r-1")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("NotifiedSince", func() {
		It("should treat no rows as not notified", func() {
			found, err := pg.NotifiedSince(ctx, "s-1", model.NotifyRenewal1d, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})

		It("should treat a row as notified", func() {
			pool.queryRow = errRow{}
			found, err := pg.NotifiedSince(ctx, "s-1", model.NotifyRenewal1d, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
		})
	})

	Describe("CreateSubscription", func() {
		It("should bind dates as time values and leave missing dates null", func() {
			Expect(pg.CreateSubscription(ctx, &model.Subscription{
				ID:             "s-1",
				UserID:         "u-1",
				Currency:       "USD",
				BillingCycle:   model.CycleMonthly,
				NextChargeDate: date("2025-03-11"),
			})).To(Succeed())

			Expect(pool.execs[0].sql).To(HavePrefix("INSERT INTO subscriptions"))
			Expect(pool.execs[0].args).To(ContainElement(time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)))
			Expect(pool.execs[0].args[8]).To(BeNil())
		})
	})
})

var _ = Describe("query builders", func() {
	It("should select due subscriptions with an inner join on users", func() {
		sql, args, err := dueSubscriptionsQuery([]string{"2025-03-11", "2025-03-13"}).ToSql()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(ContainSubstring("JOIN users u ON u.id = s.user_id"))
		Expect(sql).To(ContainSubstring("s.next_charge_date IN ($"))
		Expect(sql).To(ContainSubstring("s.next_charge_date::text"))
		Expect(sql).To(ContainSubstring("ORDER BY s.next_charge_date, s.id"))
		Expect(args).To(ContainElements(true, false))
		Expect(args).To(HaveLen(4))
	})

	It("should deactivate only other active tokens on the platform", func() {
		sql, args, err := deactivateDevicesQuery("u-1", model.PlatformIOS, "tok-1", time.Unix(0, 0)).ToSql()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(HavePrefix("UPDATE user_devices SET is_active = $1, updated_at = $2"))
		Expect(sql).To(ContainSubstring("fcm_token <> $"))
		Expect(args).To(ContainElements("u-1", "ios", "tok-1"))
	})

	It("should upsert devices by id", func() {
		sql, _, err := saveDeviceQuery(&model.UserDevice{ID: "d-1"}).ToSql()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(ContainSubstring("ON CONFLICT (id) DO UPDATE"))
	})

	It("should insert users only when absent", func() {
		sql, _, err := ensureUserQuery(&model.User{ID: "u-1"}).ToSql()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(HaveSuffix("ON CONFLICT (id) DO NOTHING"))
	})

	It("should look back from the cutoff for notification logs", func() {
		sql, _, err := notifiedSinceQuery("s-1", model.NotifyRenewal3d, time.Unix(0, 0)).ToSql()
		Expect(err).NotTo(HaveOccurred())
		Expect(sql).To(ContainSubstring("created_at >= $"))
		Expect(sql).To(HaveSuffix("LIMIT 1"))
	})

	It("should store an empty receipt payload as null", func() {
		_, args, err := insertReceiptQuery(&model.Receipt{ID: "r-1"}).ToSql()
		Expect(err).NotTo(HaveOccurred())
		Expect(args[7]).To(BeNil())
	})
})
