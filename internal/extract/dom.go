package extract

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	json "github.com/goccy/go-json"
)

const sampleScript = `(() => {
  const selectors = %s;
  const generation = %s;
  const rows = [];
  const seen = new Set();
  for (const selector of selectors) {
    let nodes = [];
    try { nodes = Array.from(document.querySelectorAll(selector)); } catch (e) { continue; }
    for (const node of nodes) {
      if (seen.has(node)) continue;
      seen.add(node);
      const text = (node.innerText || "").trim();
      if (!text) continue;
      const rect = node.getBoundingClientRect();
      rows.push({ text, bottom: rect.bottom + window.scrollY });
    }
  }
  rows.sort((a, b) => a.bottom - b.bottom);
  const generating = generation.some((selector) => {
    try {
      const el = document.querySelector(selector);
      if (!el) return false;
      const style = window.getComputedStyle(el);
      return style.display !== "none" && style.visibility !== "hidden";
    } catch (e) { return false; }
  });
  return { rows: rows.slice(-12), generating };
})()`

// DOMSampler reads candidate rows from a live page through chromedp. The
// context passed to Sample must carry a chromedp target.
type DOMSampler struct {
	ResponseSelectors   []string
	GenerationSelectors []string
}

func (s DOMSampler) script() (string, error) {
	responses, err := json.Marshal(nonNil(s.ResponseSelectors))
	if err != nil {
		return "", err
	}
	generation, err := json.Marshal(nonNil(s.GenerationSelectors))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(sampleScript, responses, generation), nil
}

func (s DOMSampler) Sample(ctx context.Context) (Snapshot, error) {
	script, err := s.script()
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &snapshot)); err != nil {
		return Snapshot{}, fmt.Errorf("sample response rows: %w", err)
	}
	return snapshot, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
