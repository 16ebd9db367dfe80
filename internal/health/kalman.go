package health

import (
	"sync"
	"time"
)

// State is the filtered view of a PSP: latency in seconds and the fraction
// of attempts that failed on transport.
type State struct {
	Latency   float64 `json:"latency"`
	ErrorRate float64 `json:"errorRate"`
}

type matrix [2][2]float64

type kalmanFilter struct {
	mu       sync.Mutex
	x        State
	p        matrix
	q        matrix
	r        matrix
	lastTime time.Time
}

func newKalmanFilter(initial State, initCov, processNoise, measNoise matrix) *kalmanFilter {
	return &kalmanFilter{
		x:        initial,
		p:        initCov,
		q:        processNoise,
		r:        measNoise,
		lastTime: time.Now(),
	}
}

// observe runs one predict/update cycle against meas.
func (kf *kalmanFilter) observe(meas State) {
	kf.mu.Lock()
	defer kf.mu.Unlock()

	now := time.Now()
	dt := now.Sub(kf.lastTime).Seconds()
	kf.lastTime = now
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			kf.p[i][j] += kf.q[i][j] * dt
		}
	}

	s := matrix{
		{kf.p[0][0] + kf.r[0][0], kf.p[0][1] + kf.r[0][1]},
		{kf.p[1][0] + kf.r[1][0], kf.p[1][1] + kf.r[1][1]},
	}
	det := s[0][0]*s[1][1] - s[0][1]*s[1][0]
	if det == 0 {
		return
	}
	inv := matrix{
		{s[1][1] / det, -s[0][1] / det},
		{-s[1][0] / det, s[0][0] / det},
	}
	k := mul(kf.p, inv)

	dLatency := meas.Latency - kf.x.Latency
	dError := meas.ErrorRate - kf.x.ErrorRate
	kf.x.Latency += k[0][0]*dLatency + k[0][1]*dError
	kf.x.ErrorRate += k[1][0]*dLatency + k[1][1]*dError

	iMinusK := matrix{
		{1 - k[0][0], -k[0][1]},
		{-k[1][0], 1 - k[1][1]},
	}
	kf.p = mul(iMinusK, kf.p)
}

func (kf *kalmanFilter) estimate() State {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	return kf.x
}

func mul(a, b matrix) matrix {
	var out matrix
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j]
		}
	}
	return out
}
