package statemachine

// The core never exposes raw provider or persistence errors to a
// customer; every user-facing failure is one concise Arabic message
// from this fixed catalog (spec.md §7).
const (
	msgWelcome         = "أهلاً بك! هل ترغب في التوصيل أم الاستلام من الفرع؟"
	msgAskLocation     = "من فضلك شارك موقعك لتحديد عنوان التوصيل."
	msgAskBranch       = "الرجاء اختيار الفرع الأقرب إليك."
	msgAskCategory     = "تفضل، اختر من الأقسام التالية:"
	msgAskItem         = "اختر الصنف الذي ترغب به:"
	msgAskQuantity     = "كم الكمية المطلوبة؟"
	msgCartOverview    = "تمت إضافة الصنف. هل ترغب بإضافة المزيد أم إتمام الطلب؟"
	msgAskRemoval      = "أي صنف ترغب في إزالته من السلة؟"
	msgCheckoutSummary = "هذا ملخص طلبك. الرجاء اختيار طريقة الدفع: أونلاين أو نقدًا."
	msgOrderConfirmed  = "تم استلام طلبك بنجاح، رقم الطلب: %s"

	msgClarifyOrderType = "عذرًا، لم أفهم طلبك. الرجاء اختيار التوصيل أو الاستلام."
	msgQuantityOutOfRange = "الكمية المدخلة غير صالحة. الرجاء إدخال رقم بين 1 و20."
	msgEmptyCart          = "سلتك فارغة، يرجى إضافة صنف قبل إتمام الطلب."
	msgRemovalNotFound    = "تعذر العثور على الصنف المطلوب إزالته."

	msgButtonExpired = "عذرًا، لم تعد تفاصيل هذا الطلب متاحة. يرجى التواصل مع الدعم."
	msgGenericError  = "حدث خطأ غير متوقع. يرجى المحاولة مرة أخرى لاحقًا."
)

// orderGatewayMessages maps a classified OrderGateway failure to the
// single Arabic message the customer sees, per spec.md §7's structured
// error code list.
var orderGatewayMessages = map[error]string{
	ErrNoBranchSelected:      "الرجاء اختيار فرع الاستلام أولاً.",
	ErrMissingPaymentMethod:  "الرجاء اختيار طريقة الدفع: أونلاين أو نقدًا.",
	ErrInvalidItems:          "عذرًا، أحد الأصناف لم يعد متوفرًا. يرجى مراجعة سلتك.",
	ErrAPIError:              msgGenericError,
	ErrConfigMissing:         msgGenericError,
	ErrMerchantNotConfigured: msgGenericError,
	ErrCustomerInfoMissing:   "يرجى تزويدنا بمعلومات التواصل الخاصة بك قبل إتمام الطلب.",
}

func messageForGatewayError(err error) string {
	if msg, ok := orderGatewayMessages[err]; ok {
		return msg
	}
	return msgGenericError
}
