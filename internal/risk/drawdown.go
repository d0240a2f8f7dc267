package risk

// Drawdown tracks peak equity. Protection activates when drawdown exceeds
// the threshold and stays active until it recovers below half of it.
type Drawdown struct {
	threshold float64
	scale     float64
	peak      float64
	current   float64
	active    bool
}

// NewDrawdown returns a tracker that scales sizes by scale while active.
func NewDrawdown(threshold, scale float64) *Drawdown {
	if scale <= 0 || scale >= 1 {
		scale = 0.5
	}
	return &Drawdown{threshold: threshold, scale: scale}
}

// Update records equity and returns the current drawdown fraction.
func (d *Drawdown) Update(equity float64) float64 {
	if equity > d.peak {
		d.peak = equity
	}
	if d.peak <= 0 {
		d.current = 0
	} else {
		d.current = (d.peak - equity) / d.peak
	}
	switch {
	case !d.active && d.current > d.threshold:
		d.active = true
	case d.active && d.current < d.threshold/2:
		d.active = false
	}
	return d.current
}

// SetThreshold changes the activation threshold without resetting the peak.
func (d *Drawdown) SetThreshold(threshold float64) { d.threshold = threshold }

func (d *Drawdown) Current() float64 { return d.current }
func (d *Drawdown) Peak() float64    { return d.peak }
func (d *Drawdown) Active() bool     { return d.active }

// Scaling is the factor applied to new sizes: 1, or the configured scale
// while protection is active.
func (d *Drawdown) Scaling() float64 {
	if d.active {
		return d.scale
	}
	return 1
}
