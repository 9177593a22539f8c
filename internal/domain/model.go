package domain

// ZScoreModelParams is the trained state of the z-score detector.
//
// FeatureMeans and FeatureStds are keyed "amount_<value>" where value is a
// channel or a country; a channel and a country with the same literal
// string share one entry.
type ZScoreModelParams struct {
	Mean         float64            `json:"mean"`
	Std          float64            `json:"std"`
	Threshold    float64            `json:"threshold"`
	FeatureMeans map[string]float64 `json:"featureMeans"`
	FeatureStds  map[string]float64 `json:"featureStds"`
}

// FeatureEncoding is the fitted state of the feature extractor.
type FeatureEncoding struct {
	Channels   map[string]float64 `json:"channels"`
	Countries  map[string]float64 `json:"countries"`
	Categories map[string]float64 `json:"categories"`
	AmountMin  float64            `json:"amountMin"`
	AmountMax  float64            `json:"amountMax"`
}

// TreeNode is one node of a flattened isolation tree. Leaves carry the size
// of the subset that reached them; internal nodes carry the split and the
// indices of their children within the same tree.
type TreeNode struct {
	Leaf    bool    `json:"leaf,omitempty"`
	Size    int     `json:"size,omitempty"`
	Feature int     `json:"feature,omitempty"`
	Split   float64 `json:"split,omitempty"`
	Left    int     `json:"left,omitempty"`
	Right   int     `json:"right,omitempty"`
}

// Tree is an isolation tree; Nodes[0] is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// IsolationForestParams is the trained state of the isolation forest.
type IsolationForestParams struct {
	NumTrees          int                `json:"numTrees"`
	SampleSize        int                `json:"sampleSize"`
	SubsampleSize     int                `json:"subsampleSize"`
	MaxDepth          int                `json:"maxDepth"`
	Threshold         float64            `json:"threshold"`
	FeatureImportance map[string]float64 `json:"featureImportance"`
	Encoding          FeatureEncoding    `json:"encoding"`
	Trees             []Tree             `json:"trees"`
}

// VelocityParams is the trained state of the velocity tracker.
type VelocityParams struct {
	GlobalMean     float64              `json:"globalMean"`
	GlobalStd      float64              `json:"globalStd"`
	UserVelocities map[string][]float64 `json:"userVelocities"`
}

// GeoParams is the trained state of the geo risk scorer.
type GeoParams struct {
	CountryCounts     map[string]int `json:"countryCounts"`
	Total             int            `json:"total"`
	HighRiskCountries []string       `json:"highRiskCountries"`
}
