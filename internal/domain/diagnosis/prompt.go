package diagnosis

import (
	"fmt"
	"strings"
)

const defaultMarket = "Pakistan"

// BuildPrompt composes the instruction sent with the leaf image.
func BuildPrompt(city string, weather WeatherFact) string {
	return buildPrompt(city, weather, defaultMarket)
}

func buildPrompt(city string, weather WeatherFact, market string) string {
	city = strings.TrimSpace(city)
	market = strings.TrimSpace(market)
	if market == "" {
		market = defaultMarket
	}

	weatherLine := fmt.Sprintf("Weather context for %s: %s", city, string(weather))
	if !weather.Available() {
		weatherLine = fmt.Sprintf("Weather context for %s: unavailable. Give treatment advice without weather assumptions.", city)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Diagnose the plant disease visible in this leaf image. The user is in %s.\n", city)
	b.WriteString(weatherLine)
	b.WriteString("\n\nSTEP 1: Identify the disease.\n")
	b.WriteString("STEP 2: Write a treatment plan. If the weather context shows high humidity (above 80%) or rain/precipitation, warn the user in 'treatment' that spraying now may be ineffective and say when to spray instead.\n")
	fmt.Fprintf(&b, "STEP 3: Recommend the best medicine available in %s for this disease. If you used web search, summarize what you found in 'search_finding' and put the product or store URL in 'buy_link'.\n", market)
	b.WriteString("STEP 4: Locate the disease on the image.\n\n")
	b.WriteString(outputContract)
	return b.String()
}

const outputContract = `OUTPUT RULES:
- Respond with valid JSON only, and nothing else: no prose before or after it and no markdown code fences.
- Use exactly this shape: {"disease_name": string, "treatment": string, "medicine": string, "search_finding": string, "buy_link": string, "coordinates": [ymin, xmin, ymax, xmax]}.
- "coordinates" is a bounding box in the order [ymin, xmin, ymax, xmax], each value an integer on a 0-1000 normalized scale relative to the image height (y) and width (x).
- The bounding box must tightly enclose the most visible cluster of disease symptoms (lesions, spots, discoloration), NOT the whole leaf and NOT the whole image.
- If the leaf looks healthy or no disease region is visible, set "coordinates" to [0, 0, 0, 0].`
