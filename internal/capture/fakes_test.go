package capture

import (
	"context"
	"sync"
	"time"
)

type fakeCamera struct {
	mu      sync.Mutex
	perm    Permission
	permErr error
	frame   Image
	capErr  error
	block   chan struct{}
	calls   int
}

func (c *fakeCamera) RequestAccess(ctx context.Context) (Permission, error) {
	return c.perm, c.permErr
}

func (c *fakeCamera) Capture(ctx context.Context) (Image, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	frame, err := c.frame, c.capErr
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	return frame, err
}

func (c *fakeCamera) captureCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeLocator struct {
	perm   Permission
	fix    Fix
	fixErr error
	calls  int
}

func (l *fakeLocator) RequestAccess(ctx context.Context) (Permission, error) {
	return l.perm, nil
}

func (l *fakeLocator) Fix(ctx context.Context) (Fix, error) {
	l.calls++
	return l.fix, l.fixErr
}

type fakeSubmitter struct {
	mu          sync.Mutex
	punches     []PunchSubmission
	onboards    []OnboardSubmission
	punchErrs   []error
	onboardErrs []error
	anchor      string
	receipt     Receipt
	block       chan struct{}
}

func (f *fakeSubmitter) SubmitPunch(ctx context.Context, s PunchSubmission) (Receipt, error) {
	f.mu.Lock()
	f.punches = append(f.punches, s)
	var err error
	if len(f.punchErrs) > 0 {
		err = f.punchErrs[0]
		f.punchErrs = f.punchErrs[1:]
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return Receipt{}, err
	}
	return f.receipt, nil
}

func (f *fakeSubmitter) SubmitOnboard(ctx context.Context, s OnboardSubmission) (OnboardReceipt, error) {
	f.mu.Lock()
	f.onboards = append(f.onboards, s)
	var err error
	if len(f.onboardErrs) > 0 {
		err = f.onboardErrs[0]
		f.onboardErrs = f.onboardErrs[1:]
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return OnboardReceipt{}, err
	}
	return OnboardReceipt{AnchorID: f.anchor}, nil
}

func (f *fakeSubmitter) punchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.punches)
}

func (f *fakeSubmitter) onboardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onboards)
}

func (f *fakeSubmitter) lastPunch() PunchSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.punches[len(f.punches)-1]
}

func testFrame(uri string, at time.Time) Image {
	return Image{URI: uri, Data: []byte("jpeg-bytes"), TakenAt: at}
}
