package models

// Item is a scraped record. Spiders may also emit plain map[string]any
// values; they are converted with AsItem.
type Item map[string]any

// AsItem converts a parse result into an Item when it is one.
func AsItem(v any) (Item, bool) {
	switch item := v.(type) {
	case Item:
		return item, true
	case map[string]any:
		return Item(item), true
	}
	return nil, false
}
