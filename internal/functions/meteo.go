package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

var errCityNotFound = errors.New("city not found")

var wmoCodes = map[int]string{
	0: "sereno", 1: "prevalentemente sereno", 2: "parzialmente nuvoloso", 3: "coperto",
	45: "nebbia", 48: "nebbia con brina",
	51: "pioggerella leggera", 53: "pioggerella", 55: "pioggerella intensa",
	61: "pioggia leggera", 63: "pioggia", 65: "pioggia intensa",
	71: "neve leggera", 73: "neve", 75: "neve intensa",
	80: "rovesci leggeri", 81: "rovesci", 82: "rovesci violenti",
	95: "temporale", 96: "temporale con grandine", 99: "temporale forte",
}

func describeWeather(code int) string {
	if d, ok := wmoCodes[code]; ok {
		return d
	}
	return "variabile"
}

type place struct {
	Name        string  `json:"name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Admin1      string  `json:"admin1"`
}

type geocodeResponse struct {
	Results []place `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		Time        []string  `json:"time"`
		WeatherCode []int     `json:"weather_code"`
		Max         []float64 `json:"temperature_2m_max"`
		Min         []float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

func (e *env) weatherFunctions() []skills.RegisteredFunction {
	return []skills.RegisteredFunction{{
		Name:        "meteo_italia",
		Description: "Meteo attuale e previsioni dei prossimi giorni per una città. Usare per: che tempo fa a Roma, previsioni, piove domani.",
		Params: map[string]skills.Param{
			"city": {Type: skills.TypeString, Description: "Nome della città, es. Milano"},
		},
		Handler: skills.HandlerFunc(e.weather),
	}}
}

func (e *env) weather(ctx context.Context, _ *dialogue.Context, args types.Args) (skills.Outcome, error) {
	city := args.String("city")
	if city == "" {
		city = e.Config.Weather.DefaultCity
	}
	if city == "" {
		return skills.Say("Per quale città vuoi sapere il meteo?"), nil
	}

	loc, err := e.geocode(ctx, city)
	if errors.Is(err, errCityNotFound) {
		return skills.Say(fmt.Sprintf("Non ho trovato la città %s. Prova con un altro nome.", city)), nil
	}
	if err != nil {
		return skills.Outcome{}, err
	}
	fc, err := e.forecast(ctx, loc)
	if err != nil {
		return skills.Outcome{}, err
	}
	return weatherReport(loc, fc), nil
}

func (e *env) getJSON(ctx context.Context, endpoint string, q url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode weather response: %w", err)
	}
	return nil
}

// geocode resolves city, preferring Italian matches.
func (e *env) geocode(ctx context.Context, city string) (place, error) {
	var res geocodeResponse
	q := url.Values{
		"name":     {city},
		"count":    {"3"},
		"language": {"it"},
		"format":   {"json"},
	}
	if err := e.getJSON(ctx, e.Config.Weather.GeocodeURL, q, &res); err != nil {
		return place{}, err
	}
	if len(res.Results) == 0 {
		return place{}, errCityNotFound
	}
	for _, p := range res.Results {
		if p.CountryCode == "IT" || p.Country == "Italia" || p.Country == "Italy" {
			return p, nil
		}
	}
	return res.Results[0], nil
}

func (e *env) forecast(ctx context.Context, p place) (forecastResponse, error) {
	var fc forecastResponse
	q := url.Values{
		"latitude":      {fmt.Sprintf("%.4f", p.Latitude)},
		"longitude":     {fmt.Sprintf("%.4f", p.Longitude)},
		"current":       {"temperature_2m,weather_code,wind_speed_10m"},
		"daily":         {"weather_code,temperature_2m_max,temperature_2m_min"},
		"timezone":      {"Europe/Rome"},
		"forecast_days": {"3"},
	}
	err := e.getJSON(ctx, e.Config.Weather.BaseURL, q, &fc)
	return fc, err
}

func degrees(v float64) int { return int(math.Round(v)) }

func weatherReport(p place, fc forecastResponse) skills.Outcome {
	now := describeWeather(fc.Current.WeatherCode)
	title := p.Name
	if p.Admin1 != "" {
		title += ", " + p.Admin1
	}

	var display, forecast strings.Builder
	fmt.Fprintf(&display, "Meteo %s\nOra: %s, %d°C, vento %d km/h\n",
		title, now, degrees(fc.Current.Temperature), degrees(fc.Current.WindSpeed))

	d := fc.Daily
	n := min(len(d.Time), len(d.WeatherCode), len(d.Max), len(d.Min), 3)
	if n > 0 {
		display.WriteString("Prossimi giorni:\n")
	}
	for i := 0; i < n; i++ {
		day := d.Time[i]
		if t, err := time.Parse("2006-01-02", d.Time[i]); err == nil {
			day = weekdays[t.Weekday()]
		}
		desc := describeWeather(d.WeatherCode[i])
		fmt.Fprintf(&display, "- %s: %s, %d°-%d°C\n", capitalize(day), desc, degrees(d.Min[i]), degrees(d.Max[i]))
		fmt.Fprintf(&forecast, " %s %s, tra %d e %d gradi.", capitalize(day), desc, degrees(d.Min[i]), degrees(d.Max[i]))
	}

	spoken := fmt.Sprintf("A %s adesso è %s con %d gradi e vento a %d chilometri orari.",
		p.Name, now, degrees(fc.Current.Temperature), degrees(fc.Current.WindSpeed))
	if forecast.Len() > 0 {
		spoken += " Previsioni:" + forecast.String()
	}
	return skills.Respond(strings.TrimRight(display.String(), "\n"), spoken)
}
