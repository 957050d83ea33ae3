// Package browser implements the flow ports on top of the DOM when built for
// js/wasm: sessionStorage, the History API, window scrolling,
// requestAnimationFrame/setTimeout and the questionnaire markup.
package browser
