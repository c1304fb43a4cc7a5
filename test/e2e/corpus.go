// Package e2e provides end-to-end tests that ingest a small research corpus
// from disk and query it through the full stack.
package e2e

import "fmt"

// CorpusDocument is one file of the corpus. Name includes the extension.
type CorpusDocument struct {
	Name    string
	Topic   string
	Content string
}

// QueryTestCase defines a query and the file that must appear among its top hits.
type QueryTestCase struct {
	Query        string
	ExpectedName string
}

// Corpus holds documents and query test cases for E2E tests.
type Corpus struct {
	Documents []CorpusDocument
	TestCases []QueryTestCase
}

var corpusTopics = []struct {
	topic   string
	phrase  string
	content string
}{
	{"photosynthesis", "chlorophyll captures sunlight", "Plants convert light into sugar. Chlorophyll captures sunlight inside leaf cells and releases oxygen."},
	{"plate tectonics", "continental plates drift", "Earth's crust is broken into slabs. Continental plates drift over the mantle and cause earthquakes."},
	{"black holes", "event horizon gravity", "Collapsed stars can become black holes. The event horizon gravity is strong enough to trap light."},
	{"vaccines", "immune memory antibodies", "Vaccines train the body. Immune memory antibodies respond faster after exposure."},
	{"coral reefs", "reef bleaching ocean warming", "Coral reefs host diverse marine life. Reef bleaching ocean warming threatens polyps worldwide."},
	{"inflation", "central bank interest rates", "Prices rise when money loses value. Central bank interest rates are raised to curb inflation."},
	{"bees", "pollinators hive colony", "Bees pollinate flowering crops. Pollinators hive colony collapse worries farmers."},
	{"glaciers", "ice sheet meltwater", "Glaciers store fresh water. Ice sheet meltwater raises sea levels."},
	{"printing press", "movable type Gutenberg", "Books became cheap in the fifteenth century. Movable type Gutenberg spread literacy across Europe."},
	{"antibiotics", "penicillin bacterial resistance", "Antibiotics kill bacteria. Penicillin bacterial resistance grows with overuse."},
	{"volcanoes", "magma chamber eruption", "Volcanoes vent molten rock. Magma chamber eruption pressure builds over centuries."},
	{"dna", "double helix nucleotides", "Genetic information is stored in DNA. Double helix nucleotides pair adenine with thymine."},
	{"solar panels", "photovoltaic silicon cells", "Solar panels generate electricity. Photovoltaic silicon cells turn photons into current."},
	{"migration", "birds navigate magnetic field", "Many species travel seasonally. Birds navigate magnetic field lines during migration."},
	{"tides", "lunar pull tidal bulge", "Oceans rise and fall twice daily. Lunar pull tidal bulge follows the moon."},
	{"fermentation", "yeast converts sugar alcohol", "Bread and beer rely on microbes. Yeast converts sugar alcohol and carbon dioxide."},
	{"rainforests", "canopy biodiversity deforestation", "Rainforests cover tropical regions. Canopy biodiversity deforestation reduces habitat."},
	{"telescopes", "mirror aperture resolution", "Telescopes gather distant light. Mirror aperture resolution determines detail."},
	{"earthquakes", "seismic waves fault rupture", "Earthquakes shake the ground. Seismic waves fault rupture radiate energy outward."},
	{"neurons", "synapse neurotransmitter signal", "The brain has billions of cells. Synapse neurotransmitter signal passes between neurons."},
	{"wind power", "turbine blades rotor", "Wind farms produce clean energy. Turbine blades rotor spin a generator."},
	{"desalination", "reverse osmosis membrane", "Seawater can become drinkable. Reverse osmosis membrane filters salt."},
	{"hurricanes", "cyclone storm surge", "Tropical storms form over warm seas. Cyclone storm surge floods coastlines."},
	{"archaeology", "excavation stratigraphy artifacts", "Digging reveals the past. Excavation stratigraphy artifacts date ancient sites."},
}

var corpusExtensions = []string{".txt", ".md", ".html"}

// BuildCorpus returns one document per topic, rotating through the supported
// text formats, and one query per document built from its signature phrase.
func BuildCorpus() *Corpus {
	c := &Corpus{}
	for i, t := range corpusTopics {
		name := fmt.Sprintf("doc%02d%s", i, corpusExtensions[i%len(corpusExtensions)])
		c.Documents = append(c.Documents, CorpusDocument{Name: name, Topic: t.topic, Content: t.content})
		c.TestCases = append(c.TestCases, QueryTestCase{Query: t.phrase, ExpectedName: name})
	}
	return c
}
