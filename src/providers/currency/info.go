package currency

// Info describes a currency.
type Info struct {
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Region        string `json:"region"`
	DecimalPlaces int    `json:"decimal_places"`
}

var currencyInfo = map[string]Info{
	"USD": {"US Dollar", "$", "United States", 2},
	"EUR": {"Euro", "€", "European Union", 2},
	"GBP": {"British Pound", "£", "United Kingdom", 2},
	"JPY": {"Japanese Yen", "¥", "Japan", 0},
	"CHF": {"Swiss Franc", "CHF", "Switzerland", 2},
	"CAD": {"Canadian Dollar", "C$", "Canada", 2},
	"AUD": {"Australian Dollar", "A$", "Australia", 2},
	"NZD": {"New Zealand Dollar", "NZ$", "New Zealand", 2},
	"CNY": {"Chinese Yuan", "¥", "China", 2},
	"INR": {"Indian Rupee", "₹", "India", 2},
	"BRL": {"Brazilian Real", "R$", "Brazil", 2},
	"MXN": {"Mexican Peso", "$", "Mexico", 2},
	"KRW": {"South Korean Won", "₩", "South Korea", 0},
	"SGD": {"Singapore Dollar", "S$", "Singapore", 2},
	"HKD": {"Hong Kong Dollar", "HK$", "Hong Kong", 2},
	"ZAR": {"South African Rand", "R", "South Africa", 2},
	"EGP": {"Egyptian Pound", "£", "Egypt", 2},
	"NGN": {"Nigerian Naira", "₦", "Nigeria", 2},
	"KES": {"Kenyan Shilling", "KSh", "Kenya", 2},
	"ETB": {"Ethiopian Birr", "Br", "Ethiopia", 2},
	"AED": {"UAE Dirham", "د.إ", "United Arab Emirates", 2},
	"SAR": {"Saudi Riyal", "﷼", "Saudi Arabia", 2},
	"TRY": {"Turkish Lira", "₺", "Turkey", 2},
	"RUB": {"Russian Ruble", "₽", "Russia", 2},
	"PLN": {"Polish Złoty", "zł", "Poland", 2},
}

// supportedCurrencies groups the codes most FX APIs serve.
var supportedCurrencies = map[string][]string{
	"major_currencies":   {"USD", "EUR", "GBP", "JPY", "CHF", "CAD", "AUD", "NZD"},
	"emerging_markets":   {"CNY", "INR", "BRL", "MXN", "KRW", "SGD", "HKD", "NOK", "SEK", "DKK"},
	"african_currencies": {"ZAR", "EGP", "NGN", "KES", "GHS", "ETB", "MAD", "TND", "DZD"},
	"middle_eastern":     {"AED", "SAR", "QAR", "KWD", "BHD", "OMR", "JOD", "ILS", "TRY"},
	"other_currencies":   {"RUB", "PLN", "CZK", "HUF", "RON", "BGN", "HRK", "RSD", "UAH"},
}
