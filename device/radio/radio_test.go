package radio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kabili207/meshradio-go/core/airtime"
	"github.com/kabili207/meshradio-go/core/clock"
	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/core/pool"
	"github.com/kabili207/meshradio-go/core/region"
	"github.com/kabili207/meshradio-go/device/power"
)

// mockTransceiver records every call and serves frames from a channel.
type mockTransceiver struct {
	mu          sync.Mutex
	configured  []Params
	rxWindows   int
	standbys    int
	lowPower    int
	sent        [][]byte
	configErr   error
	transferErr error
	blockSend   bool          // TransferFrame waits for ctx to end
	sendDelay   time.Duration // TransferFrame keeps the transmitter busy this long

	frames chan []byte
}

func newMockTransceiver() *mockTransceiver {
	return &mockTransceiver{frames: make(chan []byte, 8)}
}

func (m *mockTransceiver) Configure(_ context.Context, p Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configErr != nil {
		return m.configErr
	}
	m.configured = append(m.configured, p)
	return nil
}

func (m *mockTransceiver) InitReceiveWindow(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxWindows++
	return nil
}

func (m *mockTransceiver) Receive(ctx context.Context, buf []byte) (RxInfo, error) {
	select {
	case f := <-m.frames:
		n := copy(buf, f)
		return RxInfo{Len: n, RSSI: -90, SNR: 6.25}, nil
	case <-ctx.Done():
		return RxInfo{}, ErrNoFrame
	}
}

func (m *mockTransceiver) StandbyForSend(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.standbys++
	return nil
}

func (m *mockTransceiver) TransferFrame(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	block := m.blockSend
	delay := m.sendDelay
	err := m.transferErr
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), frame...))
	m.mu.Unlock()
	return nil
}

func (m *mockTransceiver) SetLowPower(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lowPower++
	return nil
}

func (m *mockTransceiver) calls() (rxWindows, standbys int, sent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxWindows, m.standbys, len(m.sent)
}

func (m *mockTransceiver) configureCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.configured)
}

type airtimeRecord struct {
	Category airtime.Category
	Duration time.Duration
}

// recordingLedger captures airtime records and can block the send queue.
type recordingLedger struct {
	mu      sync.Mutex
	records []airtimeRecord
	blockTx bool
}

func (l *recordingLedger) Record(c airtime.Category, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, airtimeRecord{c, d})
}

func (l *recordingLedger) IsTxAllowedAirUtil(float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.blockTx
}

func (l *recordingLedger) get() []airtimeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]airtimeRecord(nil), l.records...)
}

// recordingSink keeps delivered packets and signals each delivery.
type recordingSink struct {
	mu      sync.Mutex
	packets []*codec.MeshPacket
	ch      chan *codec.MeshPacket
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan *codec.MeshPacket, 8)}
}

func (s *recordingSink) Deliver(pkt *codec.MeshPacket) {
	s.mu.Lock()
	s.packets = append(s.packets, pkt)
	s.mu.Unlock()
	s.ch <- pkt
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

type testRadio struct {
	*Radio
	xcvr     *mockTransceiver
	ledger   *recordingLedger
	sink     *recordingSink
	pool     *pool.PacketPool
	settings *Settings
	power    *power.Monitor
	errs     *LogRecorder
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRadio(t *testing.T, code region.Code, poolSize int) *testRadio {
	t.Helper()
	tr := &testRadio{
		xcvr:     newMockTransceiver(),
		ledger:   &recordingLedger{},
		sink:     newRecordingSink(),
		pool:     pool.New(poolSize),
		settings: NewSettings(code, true),
		power:    power.NewMonitor(nil),
		errs:     NewLogRecorder(nil),
	}
	tr.Radio = New(Config{
		Transceiver:     tr.xcvr,
		Sink:            tr.sink,
		Pool:            tr.pool,
		Regulatory:      tr.settings,
		Airtime:         tr.ledger,
		Power:           tr.power,
		Errors:          tr.errs,
		TransmitTimeout: 50 * time.Millisecond,
		PollTimeout:     5 * time.Millisecond,
	})
	tr.Radio.nowFn = func() time.Time { return testNow }
	return tr
}

// newInitRadio is newTestRadio followed by a successful Init.
func newInitRadio(t *testing.T, code region.Code, poolSize int) *testRadio {
	t.Helper()
	tr := newTestRadio(t, code, poolSize)
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return tr
}

// inject writes frame into the receive buffer and reports it.
func (tr *testRadio) inject(frame []byte) {
	copy(tr.Buffer(), frame)
	tr.OnFrameAvailable(len(frame), -90, 6.25)
}

func buildFrame(h codec.WireHeader, payload []byte) []byte {
	hdr := codec.EncodeHeader(h)
	return append(hdr[:], payload...)
}

func TestReceiveHeaderOnlyFrame(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	if err := tr.StartReceive(context.Background()); err != nil {
		t.Fatal(err)
	}

	frame := buildFrame(codec.WireHeader{
		From: 0x1111, To: 0x2222, ID: 7, Channel: 3,
		Flags: codec.PackFlags(5, 5, true, false),
	}, nil)
	if len(frame) != codec.HeaderSize {
		t.Fatalf("frame length = %d, want %d", len(frame), codec.HeaderSize)
	}
	tr.inject(frame)

	if tr.sink.count() != 1 {
		t.Fatalf("delivered %d packets, want 1", tr.sink.count())
	}
	want := codec.MeshPacket{
		From: 0x1111, To: 0x2222, ID: 7, Channel: 3,
		HopLimit: 5, HopStart: 5, WantAck: true,
		PayloadVariant: codec.PayloadEncrypted,
		RxRSSI:         -90,
		RxSNR:          6.25,
		RxTime:         testNow,
	}
	got := tr.sink.packets[0]
	opts := []cmp.Option{cmpopts.IgnoreUnexported(codec.MeshPacket{}), cmpopts.EquateEmpty()}
	if diff := cmp.Diff(want, *got, opts...); diff != "" {
		t.Errorf("delivered packet mismatch (-want +got):\n%s", diff)
	}
	if !got.Pooled() {
		t.Error("delivered packet should come from the pool")
	}

	if c := tr.Counters().Snapshot(); c.RxGood != 1 {
		t.Errorf("RxGood = %d, want 1", c.RxGood)
	}

	toa := airtime.TimeOnAir(airtime.LongFast, codec.HeaderSize)
	wantRecords := []airtimeRecord{{airtime.ReceivedAll, toa}, {airtime.ReceivedGood, toa}}
	if diff := cmp.Diff(wantRecords, tr.ledger.get()); diff != "" {
		t.Errorf("airtime records mismatch (-want +got):\n%s", diff)
	}

	// Never re-armed automatically.
	if tr.State() != StateIdle {
		t.Errorf("State() = %v after frame, want idle", tr.State())
	}
	if rx, _, _ := tr.xcvr.calls(); rx != 1 {
		t.Errorf("InitReceiveWindow called %d times, want 1", rx)
	}
}

func TestReceivePayload(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	_ = tr.StartReceive(context.Background())

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}
	tr.inject(buildFrame(codec.WireHeader{
		From: 0xA1B2C3D4, To: codec.BroadcastAddr, ID: 0x42, Channel: 8,
		Flags: codec.PackFlags(3, 7, false, true),
	}, payload))

	if tr.sink.count() != 1 {
		t.Fatalf("delivered %d packets, want 1", tr.sink.count())
	}
	got := tr.sink.packets[0]
	if diff := cmp.Diff(payload, got.Encrypted); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if !got.ViaMQTT || got.WantAck || got.HopLimit != 3 || got.HopStart != 7 {
		t.Errorf("flags decoded wrong: %+v", got)
	}
	if !got.IsBroadcast() {
		t.Error("broadcast packet should be delivered (promiscuous)")
	}
}

func TestReceiveDeliversAnyDestination(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	for _, to := range []uint32{0x01, 0xCAFEBABE, codec.BroadcastAddr} {
		_ = tr.StartReceive(context.Background())
		tr.inject(buildFrame(codec.WireHeader{From: 0x99, To: to, ID: to}, nil))
	}
	if tr.sink.count() != 3 {
		t.Errorf("delivered %d packets, want 3", tr.sink.count())
	}
}

func TestReceiveShortFrame(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	_ = tr.StartReceive(context.Background())

	tr.inject([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	if tr.sink.count() != 0 {
		t.Error("short frame should not be delivered")
	}
	c := tr.Counters().Snapshot()
	if c.RxBad != 1 || c.RxGood != 0 {
		t.Errorf("RxBad = %d, RxGood = %d, want 1, 0", c.RxBad, c.RxGood)
	}
	want := []airtimeRecord{{airtime.ReceivedAll, airtime.TimeOnAir(airtime.LongFast, 8)}}
	if diff := cmp.Diff(want, tr.ledger.get()); diff != "" {
		t.Errorf("airtime records mismatch (-want +got):\n%s", diff)
	}
	if tr.pool.Available() != tr.pool.Capacity() {
		t.Error("short frame should not take a packet from the pool")
	}
}

func TestReceiveShortFrameLengths(t *testing.T) {
	for n := 0; n < codec.HeaderSize; n++ {
		tr := newTestRadio(t, region.US, 1)
		_ = tr.StartReceive(context.Background())
		tr.inject(make([]byte, n))
		if tr.sink.count() != 0 {
			t.Errorf("len %d: frame delivered", n)
		}
		if c := tr.Counters().Snapshot(); c.RxBad != 1 {
			t.Errorf("len %d: RxBad = %d, want 1", n, c.RxBad)
		}
	}
}

func TestReceiveForgedSender(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	_ = tr.StartReceive(context.Background())

	frame := buildFrame(codec.WireHeader{From: 0, To: 0x2222, ID: 1}, []byte{1, 2, 3})
	tr.inject(frame)

	if tr.sink.count() != 0 {
		t.Error("forged frame should not be delivered")
	}
	c := tr.Counters().Snapshot()
	if c.RxForged != 1 || c.RxGood != 0 {
		t.Errorf("RxForged = %d, RxGood = %d, want 1, 0", c.RxForged, c.RxGood)
	}
	want := []airtimeRecord{{airtime.ReceivedAll, airtime.TimeOnAir(airtime.LongFast, len(frame))}}
	if diff := cmp.Diff(want, tr.ledger.get()); diff != "" {
		t.Errorf("airtime records mismatch (-want +got):\n%s", diff)
	}
}

func TestReceiveWhileNotArmed(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	frame := buildFrame(codec.WireHeader{From: 0x1111, To: 0x2222, ID: 7}, nil)

	tr.inject(frame)
	tr.inject(frame)

	if tr.sink.count() != 0 {
		t.Error("frames outside a receive window should not be delivered")
	}
	want := CountersSnapshot{RxUnexpected: 2}
	if diff := cmp.Diff(want, tr.Counters().Snapshot()); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	if len(tr.ledger.get()) != 0 {
		t.Error("no airtime should be recorded for unexpected frames")
	}
	if tr.pool.Available() != tr.pool.Capacity() {
		t.Error("pool should be untouched")
	}
	if tr.State() != StateIdle {
		t.Errorf("State() = %v, want idle", tr.State())
	}
}

func TestReceiveOnlyOncePerWindow(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	_ = tr.StartReceive(context.Background())

	frame := buildFrame(codec.WireHeader{From: 0x1111, To: 0x2222, ID: 7}, nil)
	tr.inject(frame)
	tr.inject(frame)

	c := tr.Counters().Snapshot()
	if c.RxGood != 1 || c.RxUnexpected != 1 {
		t.Errorf("RxGood = %d, RxUnexpected = %d, want 1, 1", c.RxGood, c.RxUnexpected)
	}
}

func TestReceiveRegionUnset(t *testing.T) {
	tr := newTestRadio(t, region.Unset, 4)
	_ = tr.StartReceive(context.Background())

	tr.inject(buildFrame(codec.WireHeader{From: 0x1111, To: 0x2222, ID: 7}, nil))

	if tr.sink.count() != 0 {
		t.Error("frames should not be delivered while the region is unset")
	}
	c := tr.Counters().Snapshot()
	if c.RxRegionBlocked != 1 || c.RxGood != 0 {
		t.Errorf("RxRegionBlocked = %d, RxGood = %d, want 1, 0", c.RxRegionBlocked, c.RxGood)
	}
	if recs := tr.ledger.get(); len(recs) != 1 || recs[0].Category != airtime.ReceivedAll {
		t.Errorf("airtime records = %v, want one rx_all", recs)
	}
}

func TestReceivePoolExhausted(t *testing.T) {
	tr := newTestRadio(t, region.US, 1)
	frame := buildFrame(codec.WireHeader{From: 0x1111, To: 0x2222, ID: 7}, nil)

	_ = tr.StartReceive(context.Background())
	tr.inject(frame) // the sink keeps this packet
	_ = tr.StartReceive(context.Background())
	tr.inject(frame)

	if tr.sink.count() != 1 {
		t.Errorf("delivered %d packets, want 1", tr.sink.count())
	}
	if c := tr.Counters().Snapshot(); c.RxPoolExhausted != 1 {
		t.Errorf("RxPoolExhausted = %d, want 1", c.RxPoolExhausted)
	}

	// Releasing the held packet makes room again.
	tr.pool.Release(tr.sink.packets[0])
	_ = tr.StartReceive(context.Background())
	tr.inject(frame)
	if tr.sink.count() != 2 {
		t.Errorf("delivered %d packets after release, want 2", tr.sink.count())
	}
}

func TestReceiveNilSinkReleases(t *testing.T) {
	p := pool.New(2)
	r := New(Config{
		Transceiver: newMockTransceiver(),
		Pool:        p,
		Regulatory:  NewSettings(region.US, true),
		Airtime:     &recordingLedger{},
	})
	_ = r.StartReceive(context.Background())

	frame := buildFrame(codec.WireHeader{From: 1, To: 2, ID: 3}, nil)
	copy(r.Buffer(), frame)
	r.OnFrameAvailable(len(frame), 0, 0)

	if p.Available() != 2 {
		t.Errorf("Available() = %d, want 2", p.Available())
	}
}

func TestReceiveLengthBeyondBufferPanics(t *testing.T) {
	tr := newTestRadio(t, region.US, 1)
	_ = tr.StartReceive(context.Background())

	defer func() {
		if recover() == nil {
			t.Error("expected panic for length beyond the receive buffer")
		}
	}()
	tr.OnFrameAvailable(codec.MaxFrameSize+1, 0, 0)
}

func allocTestPacket(t *testing.T, p *pool.PacketPool) *codec.MeshPacket {
	t.Helper()
	pkt, err := p.AllocZeroed()
	if err != nil {
		t.Fatal(err)
	}
	pkt.From = 0x1111
	pkt.To = 0x2222
	pkt.ID = 99
	pkt.HopLimit = 3
	pkt.HopStart = 3
	_ = pkt.SetPayload([]byte{0xAA, 0xBB})
	return pkt
}

func TestSendTxDisabled(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *testRadio
	}{
		{
			name: "tx turned off",
			setup: func(t *testing.T) *testRadio {
				tr := newInitRadio(t, region.US, 2)
				tr.settings.SetTxEnabled(false)
				return tr
			},
		},
		{
			name: "before init",
			setup: func(t *testing.T) *testRadio {
				return newTestRadio(t, region.US, 2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.setup(t)
			rxBefore, _, _ := tr.xcvr.calls()
			configBefore := tr.xcvr.configureCalls()

			err := tr.StartSend(context.Background(), allocTestPacket(t, tr.pool))
			if !errors.Is(err, ErrTxDisabled) {
				t.Errorf("StartSend() error = %v, want ErrTxDisabled", err)
			}
			if tr.pool.Available() != 2 {
				t.Error("packet should be released to the pool")
			}
			rx, standby, sent := tr.xcvr.calls()
			if rx != rxBefore || standby+sent != 0 || tr.xcvr.configureCalls() != configBefore {
				t.Errorf("transceiver touched: rx=%d standby=%d sent=%d", rx-rxBefore, standby, sent)
			}
			if tr.power.IsSet(power.LoraTXOn) {
				t.Error("LoraTXOn should not be set")
			}
			if c := tr.Counters().Snapshot(); c.TxDropped != 1 {
				t.Errorf("TxDropped = %d, want 1", c.TxDropped)
			}
		})
	}
}

func TestSendTransferFailure(t *testing.T) {
	tr := newInitRadio(t, region.US, 2)
	tr.xcvr.transferErr = errors.New("spi timeout")
	pkt := allocTestPacket(t, tr.pool)

	err := tr.StartSend(context.Background(), pkt)
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("StartSend() error = %v, want ErrTransferFailed", err)
	}
	if tr.errs.Last() != CriticalErrorRadioSPIBug || tr.errs.Count() != 1 {
		t.Errorf("critical error = %v (count %d), want radio_spi_bug", tr.errs.Last(), tr.errs.Count())
	}
	if tr.pool.Available() != 2 {
		t.Error("packet should be released after a failed send")
	}
	if tr.power.IsSet(power.LoraTXOn) {
		t.Error("LoraTXOn should be cleared")
	}
	if !tr.IsReceiving() {
		t.Error("radio should be re-armed for receive")
	}
	if c := tr.Counters().Snapshot(); c.TxFailed != 1 || c.TxGood != 0 {
		t.Errorf("TxFailed = %d, TxGood = %d, want 1, 0", c.TxFailed, c.TxGood)
	}
	for _, rec := range tr.ledger.get() {
		if rec.Category == airtime.Transmitted {
			t.Error("failed transfer should not record tx airtime")
		}
	}
}

func TestSendTransferTimeout(t *testing.T) {
	tr := newInitRadio(t, region.US, 2)
	tr.xcvr.blockSend = true
	pkt := allocTestPacket(t, tr.pool)

	start := time.Now()
	err := tr.StartSend(context.Background(), pkt)
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("StartSend() error = %v, want ErrTransferFailed wrapping DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StartSend() took %v, transmit timeout not applied", elapsed)
	}
	if !tr.IsReceiving() {
		t.Error("radio should be re-armed after a timeout")
	}
}

func TestSendSuccess(t *testing.T) {
	tr := newInitRadio(t, region.US, 2)
	pkt := allocTestPacket(t, tr.pool)

	want := make([]byte, codec.MaxFrameSize)
	n, err := codec.RenderFrame(want, pkt)
	if err != nil {
		t.Fatal(err)
	}
	want = want[:n]

	if err := tr.StartSend(context.Background(), pkt); err != nil {
		t.Fatalf("StartSend() error = %v", err)
	}

	if len(tr.xcvr.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(tr.xcvr.sent))
	}
	if diff := cmp.Diff(want, tr.xcvr.sent[0]); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	if tr.xcvr.standbys != 1 {
		t.Errorf("StandbyForSend called %d times, want 1", tr.xcvr.standbys)
	}
	wantRecords := []airtimeRecord{{airtime.Transmitted, airtime.TimeOnAir(airtime.LongFast, n)}}
	if diff := cmp.Diff(wantRecords, tr.ledger.get()); diff != "" {
		t.Errorf("airtime records mismatch (-want +got):\n%s", diff)
	}
	if tr.pool.Available() != 2 {
		t.Error("packet should be released after sending")
	}
	if tr.power.IsSet(power.LoraTXOn) || !tr.power.IsSet(power.LoraRXOn) {
		t.Errorf("power state = %v, want rx on only", tr.power.State())
	}
	if !tr.IsReceiving() {
		t.Error("radio should be re-armed after sending")
	}
	if c := tr.Counters().Snapshot(); c.TxGood != 1 {
		t.Errorf("TxGood = %d, want 1", c.TxGood)
	}
}

func TestSendLongerThanTransmitTimeout(t *testing.T) {
	tr := newInitRadio(t, region.US, 2)
	tr.cfg.TransmitTimeout = 200 * time.Millisecond
	pkt := allocTestPacket(t, tr.pool)
	frame := make([]byte, codec.MaxFrameSize)
	n, err := codec.RenderFrame(frame, pkt)
	if err != nil {
		t.Fatal(err)
	}
	toa := airtime.TimeOnAir(tr.cfg.Modem, n)
	if toa <= tr.cfg.TransmitTimeout {
		t.Fatalf("time on air %v should exceed TransmitTimeout %v", toa, tr.cfg.TransmitTimeout)
	}
	tr.xcvr.sendDelay = toa

	if err := tr.StartSend(context.Background(), pkt); err != nil {
		t.Fatalf("StartSend() error = %v", err)
	}
	if tr.errs.Count() != 0 {
		t.Errorf("critical error %v recorded for a healthy transfer", tr.errs.Last())
	}
	if c := tr.Counters().Snapshot(); c.TxGood != 1 || c.TxFailed != 0 {
		t.Errorf("TxGood = %d, TxFailed = %d, want 1, 0", c.TxGood, c.TxFailed)
	}
}

func TestTransferTimeout(t *testing.T) {
	tr := newTestRadio(t, region.US, 1)
	tests := []struct {
		name  string
		modem airtime.ModemConfig
		n     int
	}{
		{"LongFast header only", airtime.LongFast, codec.HeaderSize},
		{"LongSlow full frame", airtime.LongSlow, codec.MaxFrameSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr.cfg.Modem = tt.modem
			want := airtime.TimeOnAir(tt.modem, tt.n) + tr.cfg.TransmitTimeout
			if got := tr.transferTimeout(tt.n); got != want {
				t.Errorf("transferTimeout(%d) = %v, want %v", tt.n, got, want)
			}
		})
	}

	tr.cfg.Modem = airtime.LongSlow
	if got := tr.transferTimeout(codec.MaxFrameSize); got <= 14*time.Second {
		t.Errorf("LongSlow full frame bound = %v, want more than its 14s on air", got)
	}
}

func TestSendInvalidPacket(t *testing.T) {
	tr := newInitRadio(t, region.US, 2)
	pkt := allocTestPacket(t, tr.pool)
	pkt.HopLimit = codec.HopMax + 1

	err := tr.StartSend(context.Background(), pkt)
	if !errors.Is(err, ErrInvalidPacket) || !errors.Is(err, codec.ErrHopLimitRange) {
		t.Errorf("StartSend() error = %v, want ErrInvalidPacket", err)
	}
	if _, standby, sent := tr.xcvr.calls(); standby+sent != 0 {
		t.Error("invalid packet should not reach the transceiver")
	}
	if tr.pool.Available() != 2 {
		t.Error("invalid packet should be released")
	}
}

func TestInit(t *testing.T) {
	tr := newTestRadio(t, region.US, 2)

	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	want := Params{FrequencyMHz: 906.875, Modem: airtime.LongFast, TxPowerDBm: DefaultMaxPowerDBm}
	if diff := cmp.Diff(want, tr.Params()); diff != "" {
		t.Errorf("Params() mismatch (-want +got):\n%s", diff)
	}
	if !tr.IsReceiving() {
		t.Error("Init() should arm receive")
	}
}

func TestInitRegionPowerLimit(t *testing.T) {
	tr := newTestRadio(t, region.EU868, 2)
	tr.cfg.FrequencyMHz = 869.525

	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	// EU_868 allows 27 dBm, the chip 22.
	if got := tr.Params().TxPowerDBm; got != 22 {
		t.Errorf("TxPowerDBm = %d, want 22", got)
	}
	if got := tr.Params().FrequencyMHz; got != 869.525 {
		t.Errorf("FrequencyMHz = %v, want 869.525", got)
	}

	tr.cfg.TxPowerDBm = 10
	if err := tr.Reconfigure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := tr.Params().TxPowerDBm; got != 10 {
		t.Errorf("TxPowerDBm = %d, want 10", got)
	}
}

func TestInitFailureDisablesTx(t *testing.T) {
	tr := newTestRadio(t, region.US, 2)
	tr.xcvr.configErr = errors.New("bad rfcfg")

	if err := tr.Init(context.Background()); err == nil {
		t.Fatal("Init() should fail")
	}
	if tr.errs.Last() != CriticalErrorInvalidRadioSetting {
		t.Errorf("critical error = %v, want invalid_radio_setting", tr.errs.Last())
	}
	err := tr.StartSend(context.Background(), allocTestPacket(t, tr.pool))
	if !errors.Is(err, ErrTxDisabled) {
		t.Errorf("StartSend() error = %v, want ErrTxDisabled", err)
	}
}

func TestStandbyAndSleep(t *testing.T) {
	tr := newTestRadio(t, region.US, 2)
	ctx := context.Background()
	_ = tr.StartReceive(ctx)

	if err := tr.Sleep(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.IsReceiving() {
		t.Error("radio should not be receiving while asleep")
	}
	if !tr.power.IsSet(power.LoraSleep) || tr.power.IsSet(power.LoraRXOn) {
		t.Errorf("power state = %v, want sleep", tr.power.State())
	}

	_ = tr.StartReceive(ctx)
	if tr.power.IsSet(power.LoraSleep) {
		t.Error("StartReceive should clear the sleep state")
	}
	if tr.xcvr.lowPower != 1 {
		t.Errorf("SetLowPower called %d times, want 1", tr.xcvr.lowPower)
	}
}

func TestEnqueueFull(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	tr.Radio.queue = NewSendQueue(1)

	if !tr.Enqueue(allocTestPacket(t, tr.pool), PriorityDefault, 0) {
		t.Fatal("first Enqueue() should succeed")
	}
	if tr.Enqueue(allocTestPacket(t, tr.pool), PriorityDefault, 0) {
		t.Error("Enqueue() on a full queue should fail")
	}
	if tr.pool.Available() != 3 {
		t.Errorf("Available() = %d, want 3 (dropped packet released)", tr.pool.Available())
	}
}

func TestRunReceivesAndSends(t *testing.T) {
	tr := newInitRadio(t, region.US, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr.Enqueue(allocTestPacket(t, tr.pool), PriorityDefault, 0)
	tr.xcvr.frames <- buildFrame(codec.WireHeader{From: 0x1234, To: 0x5678, ID: 1}, []byte{9})

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	select {
	case pkt := <-tr.sink.ch:
		if pkt.From != 0x1234 {
			t.Errorf("From = %#x, want 0x1234", pkt.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, sent := tr.xcvr.calls(); sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the queued send")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	if tr.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", tr.QueueLen())
	}
}

func TestRunHoldsQueueOverDutyCycle(t *testing.T) {
	tr := newInitRadio(t, region.EU868, 4)
	tr.ledger.blockTx = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr.Enqueue(allocTestPacket(t, tr.pool), PriorityDefault, 0)
	_ = tr.Run(ctx)

	if _, _, sent := tr.xcvr.calls(); sent != 0 {
		t.Errorf("sent %d frames over the duty cycle limit", sent)
	}
	if tr.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want 1", tr.QueueLen())
	}
	if c := tr.Counters().Snapshot(); c.TxDeferred == 0 {
		t.Error("TxDeferred should count held drains")
	}
}

func TestCancelQueued(t *testing.T) {
	tr := newTestRadio(t, region.US, 4)
	a := allocTestPacket(t, tr.pool)
	b := allocTestPacket(t, tr.pool)
	b.ID = a.ID + 1
	tr.Enqueue(a, PriorityDefault, time.Hour)
	tr.Enqueue(b, PriorityDefault, time.Hour)
	from, id := b.From, b.ID

	if !tr.Cancel(from, id) {
		t.Fatal("Cancel() = false for a queued packet")
	}
	if tr.Cancel(from, id) {
		t.Error("second Cancel() should report nothing queued")
	}
	if tr.QueueLen() != 1 {
		t.Errorf("QueueLen() = %d, want 1", tr.QueueLen())
	}
	if tr.pool.Available() != 3 {
		t.Errorf("Available() = %d, want 3 (cancelled packet released)", tr.pool.Available())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateArmedForReceive, "armed"},
		{StateProcessingFrame, "processing"},
		{State(9), "unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestReceiveStampsClockTime(t *testing.T) {
	c := clock.New()
	set := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	c.Set(set)

	p := pool.New(2)
	sink := newRecordingSink()
	r := New(Config{
		Transceiver: newMockTransceiver(),
		Sink:        sink,
		Pool:        p,
		Regulatory:  NewSettings(region.US, true),
		Airtime:     &recordingLedger{},
		Clock:       c,
	})
	if err := r.StartReceive(context.Background()); err != nil {
		t.Fatal(err)
	}

	frame := buildFrame(codec.WireHeader{From: 1, To: 2, ID: 3}, []byte{0xAA})
	copy(r.Buffer(), frame)
	r.OnFrameAvailable(len(frame), -100, 1)

	if sink.count() != 1 {
		t.Fatalf("delivered %d packets, want 1", sink.count())
	}
	if got := sink.packets[0].RxTime; got.Sub(set) < 0 || got.Sub(set) > time.Minute {
		t.Errorf("RxTime = %v, want close to %v", got, set)
	}
}
