package core

import (
	"math"
	"time"
)

// SpeedOfLightKmPerSec is used for propagation delay estimates.
const SpeedOfLightKmPerSec = 299792.458

// LinkQuality is a coarse classification of an estimated SNR.
type LinkQuality string

const (
	LinkQualityDown      LinkQuality = "DOWN"
	LinkQualityPoor      LinkQuality = "POOR"
	LinkQualityFair      LinkQuality = "FAIR"
	LinkQualityGood      LinkQuality = "GOOD"
	LinkQualityExcellent LinkQuality = "EXCELLENT"
)

// Radio describes the RF parameters used for link budget estimates. Zero
// fields fall back to nominal values.
type Radio struct {
	FrequencyGHz  float64
	TxPowerDBw    float64
	GainTxDBi     float64
	GainRxDBi     float64
	NoiseFigureDB float64
}

// LinkEstimate summarizes one link at a given distance.
type LinkEstimate struct {
	DistanceKm       float64       `json:"distance_km"`
	PropagationDelay time.Duration `json:"propagation_delay"`
	SNRdB            float64       `json:"snr_db"`
	Quality          LinkQuality   `json:"quality"`
	MaxDataRateMbps  float64       `json:"max_data_rate_mbps"`
}

// PropagationDelay returns the one-way light time over distanceKm.
func PropagationDelay(distanceKm float64) time.Duration {
	if distanceKm <= 0 {
		return 0
	}
	return time.Duration(distanceKm / SpeedOfLightKmPerSec * float64(time.Second))
}

// GroundLinkLossProbability estimates the packet loss probability of a
// ground-to-satellite link. Loss is 2% at the nominal 550 km slant range and
// grows exponentially with distance, capped at 1.
func GroundLinkLossProbability(slantRangeKm float64) float64 {
	p := 0.02 * math.Exp((slantRangeKm-DefaultAltitudeKm)/1000)
	return math.Min(p, 1)
}

// EstimateSNRdB applies free-space path loss to a nominal link budget.
func EstimateSNRdB(r Radio, distanceKm float64) float64 {
	if distanceKm < 1 {
		distanceKm = 1
	}
	fGHz := r.FrequencyGHz
	if fGHz <= 0 {
		fGHz = 10
	}

	// FSPL in dB: 92.45 + 20 log10(d_km) + 20 log10(f_GHz)
	fspl := 92.45 + 20*math.Log10(distanceKm) + 20*math.Log10(fGHz)

	pt := r.TxPowerDBw
	if pt == 0 {
		pt = 40
	}
	gt := r.GainTxDBi
	if gt == 0 {
		gt = 30
	}
	gr := r.GainRxDBi
	if gr == 0 {
		gr = 30
	}

	pr := pt + gt + gr - fspl
	noiseFloor := -120.0 + r.NoiseFigureDB
	return pr - noiseFloor
}

// ClassifySNR maps an SNR to a quality bucket and nominal capacity.
func ClassifySNR(snr float64) (LinkQuality, float64) {
	switch {
	case snr < 0:
		return LinkQualityDown, 0
	case snr < 5:
		return LinkQualityPoor, 10
	case snr < 10:
		return LinkQualityFair, 50
	case snr < 20:
		return LinkQualityGood, 200
	default:
		return LinkQualityExcellent, 1000
	}
}

// EstimateLink combines delay and link budget for a link of distanceKm.
func EstimateLink(r Radio, distanceKm float64) LinkEstimate {
	snr := EstimateSNRdB(r, distanceKm)
	q, rate := ClassifySNR(snr)
	return LinkEstimate{
		DistanceKm:       distanceKm,
		PropagationDelay: PropagationDelay(distanceKm),
		SNRdB:            snr,
		Quality:          q,
		MaxDataRateMbps:  rate,
	}
}
