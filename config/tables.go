package config

import (
	_ "embed"
	"math"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks an unknown tier/segment/category or a malformed table.
var ErrConfiguration = eris.New("configuration error")

//go:embed tables.yaml
var defaultTables []byte

// Reward categories of a tournament.
const (
	CategorySingleMatch = "single_match"
	CategoryDaily       = "daily"
	CategoryWeekly      = "weekly"
	CategorySeasonal    = "seasonal"
)

type Ticket struct {
	Type     string `yaml:"type" json:"type"`
	Quantity int    `yaml:"quantity" json:"quantity"`
}

type Prop struct {
	GameType string `yaml:"game_type" json:"game_type"`
	PropType string `yaml:"prop_type" json:"prop_type"`
	Quantity int    `yaml:"quantity" json:"quantity"`
}

// PromotionReward is granted when a player enters the band it belongs to from below.
type PromotionReward struct {
	Coins        int64    `yaml:"coins" json:"coins"`
	SeasonPoints int64    `yaml:"season_points" json:"season_points"`
	Tickets      []Ticket `yaml:"tickets" json:"tickets,omitempty"`
	Props        []Prop   `yaml:"props" json:"props,omitempty"`
}

// IsEmpty reports whether the reward grants nothing.
func (r PromotionReward) IsEmpty() bool {
	return r.Coins == 0 && r.SeasonPoints == 0 && len(r.Tickets) == 0 && len(r.Props) == 0
}

func (r PromotionReward) clone() PromotionReward {
	out := r
	out.Tickets = append([]Ticket(nil), r.Tickets...)
	out.Props = append([]Prop(nil), r.Props...)
	return out
}

// SegmentBand is one named tier. MaxPoints is meaningless when Unbounded is set.
type SegmentBand struct {
	Name            string
	Index           int
	MinPoints       int64
	MaxPoints       int64
	Unbounded       bool
	PromotionReward PromotionReward
}

// Contains reports whether points fall inside the band.
func (b SegmentBand) Contains(points int64) bool {
	if points < b.MinPoints {
		return false
	}
	return b.Unbounded || points <= b.MaxPoints
}

type TierReward struct {
	Coins        map[int]int64
	DefaultCoins int64
	ChestMaxRank int
}

// CoinsFor returns the coin reward for a rank in this tier.
func (t TierReward) CoinsFor(rank int) int64 {
	if c, ok := t.Coins[rank]; ok {
		return c
	}
	return t.DefaultCoins
}

// Tables holds the immutable static configuration. Build it with LoadTables or ParseTables.
type Tables struct {
	bands        []SegmentBand
	bandIndex    map[string]int
	rankTables   map[string]rankTable
	seasonal     seasonalTable
	pointsBase   rankTable
	tierMultiple map[string]float64
	tierRewards  map[string]TierReward
	retainRatio  float64
}

type rankTable struct {
	ranks map[int]int64
	def   int64
}

func (t rankTable) lookup(rank int) int64 {
	if v, ok := t.ranks[rank]; ok {
		return v
	}
	return t.def
}

type seasonalTable struct {
	top10, top25, top50 seasonalCut
	bottom50            int64
}

type seasonalCut struct {
	maxRank int
	points  int64
}

type tablesFile struct {
	Segments []struct {
		Name            string          `yaml:"name"`
		MinPoints       int64           `yaml:"min_points"`
		MaxPoints       *int64          `yaml:"max_points"`
		PromotionReward PromotionReward `yaml:"promotion_reward"`
	} `yaml:"segments"`
	CategoryRewards struct {
		SingleMatch rankTableFile `yaml:"single_match"`
		Daily       rankTableFile `yaml:"daily"`
		Weekly      rankTableFile `yaml:"weekly"`
		Seasonal    *struct {
			Top10    seasonalCutFile `yaml:"top_10"`
			Top25    seasonalCutFile `yaml:"top_25"`
			Top50    seasonalCutFile `yaml:"top_50"`
			Bottom50 seasonalCutFile `yaml:"bottom_50"`
		} `yaml:"seasonal"`
	} `yaml:"category_rewards"`
	SettlementPoints struct {
		RankBase       map[int]int64      `yaml:"rank_base"`
		DefaultBase    int64              `yaml:"default_base"`
		TierMultiplier map[string]float64 `yaml:"tier_multiplier"`
	} `yaml:"settlement_points"`
	TierRewards map[string]struct {
		Coins        map[int]int64 `yaml:"coins"`
		DefaultCoins int64         `yaml:"default_coins"`
		ChestMaxRank int           `yaml:"chest_max_rank"`
	} `yaml:"tier_rewards"`
	SeasonReset struct {
		RetainRatio float64 `yaml:"retain_ratio"`
	} `yaml:"season_reset"`
}

type rankTableFile struct {
	Ranks   map[int]int64 `yaml:"ranks"`
	Default int64         `yaml:"default"`
}

type seasonalCutFile struct {
	MaxRank int   `yaml:"max_rank"`
	Points  int64 `yaml:"points"`
}

// LoadTables reads the tables from path, or the embedded defaults when path is empty.
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return ParseTables(defaultTables)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read tables file %s", path)
	}
	return ParseTables(data)
}

// DefaultTables returns the embedded tables and panics if they are malformed.
func DefaultTables() *Tables {
	t, err := ParseTables(defaultTables)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTables decodes and validates a YAML document.
func ParseTables(data []byte) (*Tables, error) {
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(ErrConfiguration, "failed to parse tables yaml: "+err.Error())
	}
	return build(&f)
}

func build(f *tablesFile) (*Tables, error) {
	if len(f.Segments) == 0 {
		return nil, eris.Wrap(ErrConfiguration, "no segment bands defined")
	}

	t := &Tables{
		bandIndex:    make(map[string]int, len(f.Segments)),
		rankTables:   make(map[string]rankTable, 3),
		tierMultiple: make(map[string]float64, len(f.SettlementPoints.TierMultiplier)),
		tierRewards:  make(map[string]TierReward, len(f.TierRewards)),
		retainRatio:  f.SeasonReset.RetainRatio,
	}

	var next int64
	for i, s := range f.Segments {
		if s.Name == "" {
			return nil, eris.Wrapf(ErrConfiguration, "segment band %d has no name", i)
		}
		if _, dup := t.bandIndex[s.Name]; dup {
			return nil, eris.Wrapf(ErrConfiguration, "duplicate segment band %q", s.Name)
		}
		if s.MinPoints != next {
			return nil, eris.Wrapf(ErrConfiguration, "segment band %q starts at %d, expected %d", s.Name, s.MinPoints, next)
		}
		band := SegmentBand{
			Name:            s.Name,
			Index:           i,
			MinPoints:       s.MinPoints,
			PromotionReward: s.PromotionReward.clone(),
		}
		last := i == len(f.Segments)-1
		switch {
		case s.MaxPoints == nil && last:
			band.Unbounded = true
			band.MaxPoints = math.MaxInt64
		case s.MaxPoints == nil:
			return nil, eris.Wrapf(ErrConfiguration, "only the last band may be unbounded, %q is not last", s.Name)
		case *s.MaxPoints < s.MinPoints:
			return nil, eris.Wrapf(ErrConfiguration, "segment band %q ends before it starts", s.Name)
		default:
			band.MaxPoints = *s.MaxPoints
			next = *s.MaxPoints + 1
			if last {
				return nil, eris.Wrapf(ErrConfiguration, "last band %q must be unbounded", s.Name)
			}
		}
		t.bandIndex[s.Name] = i
		t.bands = append(t.bands, band)
	}

	for name, rt := range map[string]rankTableFile{
		CategorySingleMatch: f.CategoryRewards.SingleMatch,
		CategoryDaily:       f.CategoryRewards.Daily,
		CategoryWeekly:      f.CategoryRewards.Weekly,
	} {
		if len(rt.Ranks) == 0 {
			return nil, eris.Wrapf(ErrConfiguration, "category %q has no rank table", name)
		}
		t.rankTables[name] = rankTable{ranks: copyRanks(rt.Ranks), def: rt.Default}
	}

	s := f.CategoryRewards.Seasonal
	if s == nil {
		return nil, eris.Wrap(ErrConfiguration, "category \"seasonal\" is missing")
	}
	if !(s.Top10.MaxRank > 0 && s.Top10.MaxRank < s.Top25.MaxRank && s.Top25.MaxRank < s.Top50.MaxRank) {
		return nil, eris.Wrap(ErrConfiguration, "seasonal cutoffs must be positive and strictly increasing")
	}
	t.seasonal = seasonalTable{
		top10:    seasonalCut{maxRank: s.Top10.MaxRank, points: s.Top10.Points},
		top25:    seasonalCut{maxRank: s.Top25.MaxRank, points: s.Top25.Points},
		top50:    seasonalCut{maxRank: s.Top50.MaxRank, points: s.Top50.Points},
		bottom50: s.Bottom50.Points,
	}

	t.pointsBase = rankTable{ranks: copyRanks(f.SettlementPoints.RankBase), def: f.SettlementPoints.DefaultBase}
	for tier, m := range f.SettlementPoints.TierMultiplier {
		if m <= 0 {
			return nil, eris.Wrapf(ErrConfiguration, "tier multiplier for %q must be positive", tier)
		}
		t.tierMultiple[tier] = m
	}
	for tier, r := range f.TierRewards {
		t.tierRewards[tier] = TierReward{Coins: copyRanks(r.Coins), DefaultCoins: r.DefaultCoins, ChestMaxRank: r.ChestMaxRank}
	}

	if t.retainRatio < 0 || t.retainRatio > 1 {
		return nil, eris.Wrap(ErrConfiguration, "season_reset.retain_ratio must be within [0,1]")
	}
	return t, nil
}

func copyRanks(in map[int]int64) map[int]int64 {
	out := make(map[int]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Segments returns the bands ordered from lowest to highest.
func (t *Tables) Segments() []SegmentBand {
	out := make([]SegmentBand, len(t.bands))
	for i, b := range t.bands {
		b.PromotionReward = b.PromotionReward.clone()
		out[i] = b
	}
	return out
}

// LowestSegment is the band new players start in.
func (t *Tables) LowestSegment() SegmentBand {
	return t.bands[0]
}

// SegmentFor maps points to their band. Negative points map to the lowest band.
func (t *Tables) SegmentFor(points int64) SegmentBand {
	i := sort.Search(len(t.bands), func(i int) bool {
		return t.bands[i].Unbounded || t.bands[i].MaxPoints >= points
	})
	if i >= len(t.bands) {
		i = len(t.bands) - 1
	}
	b := t.bands[i]
	b.PromotionReward = b.PromotionReward.clone()
	return b
}

// Segment returns a band by name.
func (t *Tables) Segment(name string) (SegmentBand, error) {
	i, ok := t.bandIndex[name]
	if !ok {
		return SegmentBand{}, eris.Wrapf(ErrConfiguration, "unknown segment %q", name)
	}
	b := t.bands[i]
	b.PromotionReward = b.PromotionReward.clone()
	return b, nil
}

// SegmentIndex returns the integer tier rank of a segment name.
func (t *Tables) SegmentIndex(name string) (int, error) {
	i, ok := t.bandIndex[name]
	if !ok {
		return 0, eris.Wrapf(ErrConfiguration, "unknown segment %q", name)
	}
	return i, nil
}

// CategoryPoints looks up the reward magnitude for a finishing rank in a tournament category.
// Seasonal uses fixed rank cutoffs regardless of how many players took part.
func (t *Tables) CategoryPoints(category string, rank int) (int64, error) {
	if rank < 1 {
		return 0, eris.Wrapf(ErrConfiguration, "rank must be positive, got %d", rank)
	}
	if category == CategorySeasonal {
		switch {
		case rank <= t.seasonal.top10.maxRank:
			return t.seasonal.top10.points, nil
		case rank <= t.seasonal.top25.maxRank:
			return t.seasonal.top25.points, nil
		case rank <= t.seasonal.top50.maxRank:
			return t.seasonal.top50.points, nil
		default:
			return t.seasonal.bottom50, nil
		}
	}
	rt, ok := t.rankTables[category]
	if !ok {
		return 0, eris.Wrapf(ErrConfiguration, "unknown tournament category %q", category)
	}
	return rt.lookup(rank), nil
}

// SettlementBase is the base progression points for a finishing rank.
func (t *Tables) SettlementBase(rank int) int64 {
	return t.pointsBase.lookup(rank)
}

// TierMultiplier returns the progression multiplier of a game tier.
func (t *Tables) TierMultiplier(tier string) (float64, error) {
	m, ok := t.tierMultiple[tier]
	if !ok {
		return 0, eris.Wrapf(ErrConfiguration, "unknown tier %q", tier)
	}
	return m, nil
}

// TierReward returns coin and chest rules of a game tier.
func (t *Tables) TierReward(tier string) (TierReward, error) {
	r, ok := t.tierRewards[tier]
	if !ok {
		return TierReward{}, eris.Wrapf(ErrConfiguration, "no reward table for tier %q", tier)
	}
	return TierReward{Coins: copyRanks(r.Coins), DefaultCoins: r.DefaultCoins, ChestMaxRank: r.ChestMaxRank}, nil
}

// SeasonRetainRatio is the share of points kept across a season reset.
func (t *Tables) SeasonRetainRatio() float64 {
	return t.retainRatio
}
