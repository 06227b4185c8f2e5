package helper

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RenderSpintax expands {a|b|c} groups by picking one option at random,
// after substituting the dynamic variables. Used for auto-reply texts.
func RenderSpintax(text string) string {
	return renderSpintax(text, time.Now(), rand.Intn)
}

func renderSpintax(text string, now time.Time, intn func(int) int) string {
	result := RenderDynamicVariables(text, now)

	for {
		start := strings.Index(result, "{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		options := strings.Split(result[start+1:end], "|")
		chosen := options[intn(len(options))]

		result = result[:start] + chosen + result[end+1:]
	}
	return result
}

// RenderDynamicVariables replaces {TIME_GREETING}, {DAY_NAME} and {DATE}.
func RenderDynamicVariables(text string, now time.Time) string {
	var timeGreeting string
	switch hour := now.Hour(); {
	case hour >= 5 && hour < 12:
		timeGreeting = "Good morning"
	case hour >= 12 && hour < 18:
		timeGreeting = "Good afternoon"
	default:
		timeGreeting = "Good evening"
	}

	date := fmt.Sprintf("%d %s %d", now.Day(), now.Month(), now.Year())

	result := text
	result = strings.ReplaceAll(result, "{TIME_GREETING}", timeGreeting)
	result = strings.ReplaceAll(result, "{DAY_NAME}", now.Weekday().String())
	result = strings.ReplaceAll(result, "{DATE}", date)
	return result
}
