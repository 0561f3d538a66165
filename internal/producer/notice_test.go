package producer

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"markethub.com/internal/channel"
	"markethub.com/internal/events"
)

type fakeNotices struct {
	list []Notice
	qs   []channel.NoticeQuery
}

func (f *fakeNotices) Notices(_ context.Context, q channel.NoticeQuery) ([]Notice, error) {
	f.qs = append(f.qs, q)
	return f.list, nil
}

func TestNotices_PublishesWhenPageChanges(t *testing.T) {
	d := channel.MustParse("notices:signal||asc|10")
	pub := newFakePublisher(d)
	ts := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	src := &fakeNotices{list: []Notice{{ID: 1, Type: "signal", Title: "t", UpdatedAt: ts}}}
	p := NewNoticeProducer(pub, src)
	ctx := context.Background()

	require.NoError(t, p.Refresh(ctx))
	require.NoError(t, p.Refresh(ctx))
	require.Len(t, pub.sent(), 1, "内容没变不重复推")

	page := pub.sent()[0].payload.(NoticePage)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 10, page.Limit)
	assert.Equal(t, channel.NoticeQuery{Type: "signal", Order: "asc", Limit: 10}, src.qs[0])

	src.list = append(src.list, Notice{ID: 2, Type: "signal", UpdatedAt: ts})
	require.NoError(t, p.Refresh(ctx))
	assert.Len(t, pub.sent(), 2)
}

func TestNotices_EmptyPageIsArray(t *testing.T) {
	pub := newFakePublisher(channel.MustParse("notices"))
	p := NewNoticeProducer(pub, &fakeNotices{})

	require.NoError(t, p.Refresh(context.Background()))
	require.Len(t, pub.sent(), 1)
	assert.NotNil(t, pub.sent()[0].payload.(NoticePage).Notices)
}

func TestNotices_BrokerEventWakesRefresh(t *testing.T) {
	b := events.NewMemBroker()
	p := NewNoticeProducer(newFakePublisher(channel.MustParse("notices:info")), &fakeNotices{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Listen(ctx, b) }()

	require.Eventually(t, func() bool {
		_ = b.Publish(ctx, events.TopicNoticeCreated, []byte(`{"id":9,"type":"info"}`))
		select {
		case <-p.Wake():
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNotices_EventWakesOnlyMatchingChannels(t *testing.T) {
	pub := newFakePublisher(channel.MustParse("notices:signal"))
	p := NewNoticeProducer(pub, &fakeNotices{})

	assert.True(t, p.interested(events.NoticeCreated{ID: 1, Type: "signal"}))
	assert.False(t, p.interested(events.NoticeCreated{ID: 2, Type: "info"}))
	assert.True(t, p.interested(events.NoticeCreated{ID: 3}), "没有类型的事件刷新全部")

	// 不带类型过滤的频道对任何事件都感兴趣
	pub.set(channel.MustParse("notices:signal"), channel.MustParse("notices"))
	assert.True(t, p.interested(events.NoticeCreated{ID: 4, Type: "info"}))

	pub.set()
	assert.False(t, p.interested(events.NoticeCreated{ID: 5, Type: "info"}))
}

func TestNotices_ListenSkipsUnrelatedEvents(t *testing.T) {
	b := events.NewMemBroker()
	p := NewNoticeProducer(newFakePublisher(channel.MustParse("notices:signal")), &fakeNotices{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Listen(ctx, b) }()

	// 先确认监听已经就绪
	require.Eventually(t, func() bool {
		_ = b.Publish(ctx, events.TopicNoticeCreated, []byte(`{"id":1,"type":"signal"}`))
		select {
		case <-p.Wake():
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	// Eventually 可能多发了几条，吃掉残留的唤醒
	time.Sleep(50 * time.Millisecond)
	select {
	case <-p.Wake():
	default:
	}

	require.NoError(t, b.Publish(ctx, events.TopicNoticeCreated, []byte(`{"id":2,"type":"info"}`)))
	select {
	case <-p.Wake():
		t.Fatal("unrelated notice type woke the producer")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestGormNotices_CursorQuery(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("SELECT \\* FROM `notice` WHERE type = \\? AND id < \\? ORDER BY id desc LIMIT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "icon", "title", "message", "created_at", "updated_at", "meta_data"}).
			AddRow(41, "signal", "", "BUY ADA", "rsi < 30", now, now, `{"token":"ADA"}`).
			AddRow(40, "signal", "", "SELL ADA", "rsi > 70", now, now, ""))

	list, err := NewGormNotices(db).Notices(context.Background(), channel.NoticeQuery{Type: "signal", AfterID: "42", Order: "desc", Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(41), list[0].ID)
	assert.Equal(t, "ADA", list[0].MetaData["token"])
	assert.Nil(t, list[1].MetaData)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormNotices_AscWithoutCursor(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT \\* FROM `notice` ORDER BY id asc LIMIT").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	list, err := NewGormNotices(db).Notices(context.Background(), channel.NoticeQuery{Order: "asc", Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}
