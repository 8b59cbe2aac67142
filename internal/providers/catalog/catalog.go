// Package catalog is the static registry of models the relay exposes.
// The Cloud Code API has no public model listing, so the catalog mirrors
// what the Gemini CLI is known to accept.
package catalog

// Model describes one entry in the /v1beta/models listing.
type Model struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	DisplayName      string   `json:"displayName"`
	Description      string   `json:"description"`
	InputTokenLimit  int      `json:"inputTokenLimit"`
	OutputTokenLimit int      `json:"outputTokenLimit"`
	SupportedMethods []string `json:"supportedGenerationMethods"`
	Temperature      float64  `json:"temperature"`
	MaxTemperature   float64  `json:"maxTemperature"`
	TopP             float64  `json:"topP"`
	TopK             int      `json:"topK"`
}

var generationMethods = []string{"generateContent", "streamGenerateContent"}

var supportedModels = []Model{
	{
		Name:             "models/gemini-2.5-pro-preview-05-06",
		Version:          "001",
		DisplayName:      "Gemini 2.5 Pro Preview 05-06",
		Description:      "Preview version of Gemini 2.5 Pro from May 6th",
		InputTokenLimit:  1048576,
		OutputTokenLimit: 8192,
		SupportedMethods: generationMethods,
		Temperature:      1.0,
		MaxTemperature:   2.0,
		TopP:             0.95,
		TopK:             64,
	},
	{
		Name:             "models/gemini-2.5-pro-preview-06-05",
		Version:          "001",
		DisplayName:      "Gemini 2.5 Pro Preview 06-05",
		Description:      "Preview version of Gemini 2.5 Pro from June 5th",
		InputTokenLimit:  1048576,
		OutputTokenLimit: 8192,
		SupportedMethods: generationMethods,
		Temperature:      1.0,
		MaxTemperature:   2.0,
		TopP:             0.95,
		TopK:             64,
	},
	{
		Name:             "models/gemini-2.5-pro",
		Version:          "001",
		DisplayName:      "Gemini 2.5 Pro",
		Description:      "Advanced multimodal model with enhanced capabilities",
		InputTokenLimit:  1048576,
		OutputTokenLimit: 8192,
		SupportedMethods: generationMethods,
		Temperature:      1.0,
		MaxTemperature:   2.0,
		TopP:             0.95,
		TopK:             64,
	},
	{
		Name:             "models/gemini-2.5-flash-preview-05-20",
		Version:          "001",
		DisplayName:      "Gemini 2.5 Flash Preview 05-20",
		Description:      "Preview version of Gemini 2.5 Flash from May 20th",
		InputTokenLimit:  1048576,
		OutputTokenLimit: 8192,
		SupportedMethods: generationMethods,
		Temperature:      1.0,
		MaxTemperature:   2.0,
		TopP:             0.95,
		TopK:             64,
	},
	{
		Name:             "models/gemini-2.5-flash",
		Version:          "001",
		DisplayName:      "Gemini 2.5 Flash",
		Description:      "Fast and efficient multimodal model with latest improvements",
		InputTokenLimit:  1048576,
		OutputTokenLimit: 8192,
		SupportedMethods: generationMethods,
		Temperature:      1.0,
		MaxTemperature:   2.0,
		TopP:             0.95,
		TopK:             64,
	},
	{
		Name:             "models/gemini-embedding-001",
		Version:          "001",
		DisplayName:      "Gemini Embedding 001",
		Description:      "Text embedding model for semantic similarity and search",
		InputTokenLimit:  2048,
		OutputTokenLimit: 1,
		SupportedMethods: []string{"embedContent"},
		Temperature:      0,
		MaxTemperature:   0,
		TopP:             1.0,
		TopK:             1,
	},
}

// Models returns the full catalog.
func Models() []Model {
	out := make([]Model, len(supportedModels))
	copy(out, supportedModels)
	return out
}

// Lookup finds a model by bare id (without the "models/" prefix).
func Lookup(id string) (Model, bool) {
	want := "models/" + id
	for _, m := range supportedModels {
		if m.Name == want {
			return m, true
		}
	}
	return Model{}, false
}

// GenerationModelIDs lists the bare ids of models that support content
// generation, for the OpenAI and Claude model listings.
func GenerationModelIDs() []string {
	var ids []string
	for _, m := range supportedModels {
		for _, method := range m.SupportedMethods {
			if method == "generateContent" {
				ids = append(ids, m.Name[len("models/"):])
				break
			}
		}
	}
	return ids
}
