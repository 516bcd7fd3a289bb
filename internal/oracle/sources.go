package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// wadFromDecimal scales a source-native decimal value to an 18-decimal
// unsigned integer, truncating extra precision.
func wadFromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegativePrice, d)
	}
	out, overflow := uint256.FromBig(d.Shift(18).Truncate(0).BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s does not fit", ErrMalformedBlob, d)
	}
	return out, nil
}

func checkSignature(sig string) error {
	sig = strings.TrimPrefix(sig, "0x")
	if len(sig) < 64 || len(sig)%2 != 0 {
		return ErrBadSignature
	}
	for _, c := range sig {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return ErrBadSignature
		}
	}
	return nil
}

// PythSource parses Pyth Hermes price updates: an integer price with a
// base-10 exponent and a confidence half-width in the same scale.
type PythSource struct {
	fee *uint256.Int
}

func NewPythSource(fee *uint256.Int) *PythSource {
	return &PythSource{fee: new(uint256.Int).Set(fee)}
}

func (*PythSource) Name() string { return "pyth" }

func (p *PythSource) Fee() *uint256.Int { return new(uint256.Int).Set(p.fee) }

func (p *PythSource) Parse(blob []byte) (*Sample, error) {
	var msg struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
		VAA string `json:"vaa"`
	}
	if err := json.Unmarshal(blob, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if err := checkSignature(msg.VAA); err != nil {
		return nil, err
	}

	price, err := decimal.NewFromString(msg.Price.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: price %q", ErrMalformedBlob, msg.Price.Price)
	}
	conf, err := decimal.NewFromString(msg.Price.Conf)
	if err != nil {
		return nil, fmt.Errorf("%w: conf %q", ErrMalformedBlob, msg.Price.Conf)
	}

	priceWad, err := wadFromDecimal(price.Shift(msg.Price.Expo))
	if err != nil {
		return nil, err
	}
	confWad := new(uint256.Int)
	if conf.Sign() > 0 {
		confWad, err = wadFromDecimal(conf.Shift(msg.Price.Expo))
		if err != nil {
			return nil, err
		}
	}

	return &Sample{Price: priceWad, Conf: confWad, Timestamp: msg.Price.PublishTime}, nil
}

// ChainlinkSource parses an aggregator round: an integer answer scaled by a
// fixed decimals count. On-chain reads carry no per-update fee and no
// confidence interval.
type ChainlinkSource struct{}

func NewChainlinkSource() *ChainlinkSource { return &ChainlinkSource{} }

func (*ChainlinkSource) Name() string { return "chainlink" }

func (*ChainlinkSource) Fee() *uint256.Int { return new(uint256.Int) }

func (*ChainlinkSource) Parse(blob []byte) (*Sample, error) {
	var msg struct {
		RoundID   uint64 `json:"round_id"`
		Answer    string `json:"answer"`
		Decimals  int32  `json:"decimals"`
		UpdatedAt int64  `json:"updated_at"`
	}
	if err := json.Unmarshal(blob, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	answer, err := decimal.NewFromString(msg.Answer)
	if err != nil {
		return nil, fmt.Errorf("%w: answer %q", ErrMalformedBlob, msg.Answer)
	}
	priceWad, err := wadFromDecimal(answer.Shift(-msg.Decimals))
	if err != nil {
		return nil, err
	}

	return &Sample{Price: priceWad, Conf: new(uint256.Int), Timestamp: msg.UpdatedAt}, nil
}

// RedstoneSource parses Redstone data packages: a decimal value string with a
// millisecond timestamp and a package signature.
type RedstoneSource struct {
	fee *uint256.Int
}

func NewRedstoneSource(fee *uint256.Int) *RedstoneSource {
	return &RedstoneSource{fee: new(uint256.Int).Set(fee)}
}

func (*RedstoneSource) Name() string { return "redstone" }

func (r *RedstoneSource) Fee() *uint256.Int { return new(uint256.Int).Set(r.fee) }

func (r *RedstoneSource) Parse(blob []byte) (*Sample, error) {
	var msg struct {
		DataFeedID  string `json:"data_feed_id"`
		Value       string `json:"value"`
		TimestampMS int64  `json:"timestamp_ms"`
		Signature   string `json:"signature"`
	}
	if err := json.Unmarshal(blob, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if err := checkSignature(msg.Signature); err != nil {
		return nil, err
	}

	value, err := decimal.NewFromString(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: value %q", ErrMalformedBlob, msg.Value)
	}
	priceWad, err := wadFromDecimal(value)
	if err != nil {
		return nil, err
	}

	return &Sample{Price: priceWad, Conf: new(uint256.Int), Timestamp: msg.TimestampMS / 1000}, nil
}

// DataStreamsSource parses Chainlink Data Streams reports: 18-decimal
// benchmark/bid/ask prices with a signed full report. The bid/ask spread
// doubles as the confidence half-width.
type DataStreamsSource struct {
	fee *uint256.Int
}

func NewDataStreamsSource(fee *uint256.Int) *DataStreamsSource {
	return &DataStreamsSource{fee: new(uint256.Int).Set(fee)}
}

func (*DataStreamsSource) Name() string { return "data_streams" }

func (d *DataStreamsSource) Fee() *uint256.Int { return new(uint256.Int).Set(d.fee) }

func (d *DataStreamsSource) Parse(blob []byte) (*Sample, error) {
	var msg struct {
		FeedID                string `json:"feed_id"`
		ObservationsTimestamp int64  `json:"observations_timestamp"`
		BenchmarkPrice        string `json:"benchmark_price"`
		Bid                   string `json:"bid"`
		Ask                   string `json:"ask"`
		FullReport            string `json:"full_report"`
	}
	if err := json.Unmarshal(blob, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	if err := checkSignature(msg.FullReport); err != nil {
		return nil, err
	}

	price, err := parseWadString(msg.BenchmarkPrice)
	if err != nil {
		return nil, err
	}
	bid, err := parseWadString(msg.Bid)
	if err != nil {
		return nil, err
	}
	ask, err := parseWadString(msg.Ask)
	if err != nil {
		return nil, err
	}
	if bid.Gt(ask) {
		return nil, fmt.Errorf("%w: bid %s above ask %s", ErrMalformedBlob, bid, ask)
	}

	// Half the spread, as the uncertainty around the benchmark.
	conf := new(uint256.Int).Sub(ask, bid)
	conf.Rsh(conf, 1)

	return &Sample{Price: price, Conf: conf, Timestamp: msg.ObservationsTimestamp}, nil
}

// parseWadString reads an already 18-decimal-scaled integer string.
func parseWadString(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedBlob, s)
	}
	if v.IsZero() {
		return nil, fmt.Errorf("%w: %q", ErrNegativePrice, s)
	}
	return v, nil
}

// NewSource builds the configured adapter. The fee applies to off-chain
// sources; chainlink ignores it.
func NewSource(name string, fee *uint256.Int) (Source, error) {
	switch name {
	case "pyth":
		return NewPythSource(fee), nil
	case "chainlink":
		return NewChainlinkSource(), nil
	case "redstone":
		return NewRedstoneSource(fee), nil
	case "data_streams":
		return NewDataStreamsSource(fee), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
}
