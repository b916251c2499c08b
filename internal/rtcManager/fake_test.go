package rtcManager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/fieldcall/internal/claims"
	"github.com/mikeyg42/fieldcall/internal/media"
	"github.com/mikeyg42/fieldcall/internal/media/mediatest"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

const testCallID = "call-1"

// testSDP is the smallest description validateDescription accepts.
const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:F7gI\r\n" +
	"a=ice-pwd:x9cml/YzichV2+XlhiMu8g\r\n" +
	"a=fingerprint:sha-256 D2:FA:0E:C3:22:59:5E:14:95:69:92:3D:13:B4:84:24:2C:C2:A2:C0:3E:FD:34:8E:5E:EA:6F:AF:52:CE:E6:0F\r\n" +
	"a=setup:actpass\r\n" +
	"a=mid:0\r\n" +
	"a=sendrecv\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// fakeClock is a manual Scheduler. Callbacks run on the goroutine that
// calls Advance, in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing every timer that comes due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) nextLocked(limit time.Time) *fakeTimer {
	var pending []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(limit) {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].at.Equal(pending[j].at) {
			return pending[i].seq < pending[j].seq
		}
		return pending[i].at.Before(pending[j].at)
	})
	return pending[0]
}

// Active counts timers that have neither fired nor been stopped.
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakePeer records what the session asks of the transport; tests raise
// transport events through it.
type fakePeer struct {
	mediatest.Binder

	mu         sync.Mutex
	events     PeerEvents
	offers     []bool
	answers    int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	stats      StatsSample
	remoteErr  error
	closed     bool
}

func (p *fakePeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}, nil
}

func (p *fakePeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, sd)
	return nil
}

func (p *fakePeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = append(p.remote, sd)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) Stats() (StatsSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) setStats(s StatsSample) {
	p.mu.Lock()
	p.stats = s
	p.mu.Unlock()
}

func (p *fakePeer) offerFlags() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.offers...)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) transport(s TransportState) {
	p.events.OnTransportState(s)
}

func (p *fakePeer) negotiationNeeded() {
	p.events.OnNegotiationNeeded()
}

// wire relays messages between the two roles of one call. Messages are
// held until pump so tests control interleaving; messages for a role that
// has no handler attached are dropped, like a relay with nobody connected.
type wire struct {
	mu       sync.Mutex
	queue    []envelope
	log      []envelope
	handlers map[signaling.Role]signaling.Handler
}

type envelope struct {
	from signaling.Role
	msg  signaling.Message
}

func newWire() *wire {
	return &wire{handlers: make(map[signaling.Role]signaling.Handler)}
}

func (w *wire) sender(from signaling.Role) signaling.Sender {
	return signaling.SenderFunc(func(_ context.Context, msg signaling.Message) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		e := envelope{from: from, msg: msg}
		w.log = append(w.log, e)
		if _, ok := w.handlers[from.Peer()]; ok {
			w.queue = append(w.queue, e)
		}
		return nil
	})
}

func (w *wire) attach(role signaling.Role, h signaling.Handler) {
	w.mu.Lock()
	w.handlers[role] = h
	w.mu.Unlock()
}

// detach stops delivering to role, as if it dropped off the relay without
// hanging up.
func (w *wire) detach(role signaling.Role) {
	w.mu.Lock()
	delete(w.handlers, role)
	w.mu.Unlock()
}

// pump delivers queued messages until none are left.
func (w *wire) pump() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		e := w.queue[0]
		w.queue = w.queue[1:]
		h := w.handlers[e.from.Peer()]
		w.mu.Unlock()
		h.HandleMessage(context.Background(), e.msg)
	}
}

func (w *wire) sent(from signaling.Role, typ signaling.Type) []signaling.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []signaling.Message
	for _, e := range w.log {
		if e.from == from && e.msg.Type == typ {
			out = append(out, e.msg)
		}
	}
	return out
}

type noticeLog struct {
	mu      sync.Mutex
	notices []notification.Notice
}

func (l *noticeLog) Notify(n notification.Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) matching(level notification.Level, kind string) []notification.Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notification.Notice
	for _, n := range l.notices {
		if n.Level == level && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakeUploader struct {
	mu       sync.Mutex
	calls    int
	failures int
	types    []string
	meta     []map[string]string
	data     [][]byte
}

func (u *fakeUploader) Upload(_ context.Context, data []byte, contentType string, metadata map[string]string, onProgress storage.ProgressFunc) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.failures > 0 {
		u.failures--
		return "", errors.New("bucket unavailable")
	}
	u.types = append(u.types, contentType)
	u.meta = append(u.meta, metadata)
	u.data = append(u.data, append([]byte(nil), data...))
	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}
	return "https://storage.example.com/recordings/" + metadata["callId"] + ".webm", nil
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// party is one participant with fake devices and transport.
type party struct {
	mgr     *Manager
	devices *mediatest.Devices
	notices *noticeLog

	mu   sync.Mutex
	peer *fakePeer
}

func (p *party) fakePeer() *fakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func newParty(t *testing.T, role signaling.Role, w *wire, clock *fakeClock, customize ...func(*Options)) *party {
	t.Helper()
	p := &party{devices: mediatest.NewDevices(), notices: &noticeLog{}}
	logger := zaptest.NewLogger(t)

	opts := Options{
		CallID:   testCallID,
		Role:     role,
		Claim:    claims.Context{ClaimID: "CLM-7", ClaimNumber: "2024-000123"},
		Sender:   w.sender(role),
		Media:    media.NewManager(p.devices, media.Constraints{Width: 1280, Height: 720}, logger),
		Notifier: p.notices,
		NewPeer: func(events PeerEvents) (PeerConnection, error) {
			fp := &fakePeer{events: events}
			p.mu.Lock()
			p.peer = fp
			p.mu.Unlock()
			return fp, nil
		},
		Scheduler: clock,
		Retry:     DefaultRetryPolicy(),
		Logger:    logger,
	}
	for _, c := range customize {
		c(&opts)
	}

	m, err := NewManager(opts)
	require.NoError(t, err)
	p.mgr = m
	w.attach(role, m)
	return p
}

// connectedPair runs the join handshake and reports the transport up on
// both sides.
func connectedPair(t *testing.T, w *wire, clock *fakeClock, customize ...func(*Options)) (inv, sup *party) {
	t.Helper()
	inv = newParty(t, signaling.RoleInvestigator, w, clock, customize...)
	sup = newParty(t, signaling.RoleSupervisor, w, clock)

	require.NoError(t, inv.mgr.Start(context.Background()))
	require.NoError(t, sup.mgr.Start(context.Background()))
	w.pump()

	inv.fakePeer().transport(TransportConnected)
	sup.fakePeer().transport(TransportConnected)
	w.pump()

	require.Equal(t, StateConnected, inv.mgr.State())
	require.Equal(t, StateConnected, sup.mgr.State())
	return inv, sup
}

func (m *Manager) reconnectDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ft, ok := m.reconnectTimer.(*fakeTimer)
	if !ok || ft == nil {
		return 0, false
	}
	return ft.delay, true
}
